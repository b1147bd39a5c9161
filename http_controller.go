package chequier

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-chequier/activitymap"
	"github.com/google/uuid"
)

// HTTPController exposes the services over a JSON API.
type HTTPController struct {
	Users    *UserService
	Accounts *AccountManager
	Requests *RequestLifecycle
	Audit    AuditEntries
	Auth     *RouteAuthenticator
	Logger   Logger
	Now      Clock
}

// HTTPControllerOption customizes an HTTPController.
type HTTPControllerOption func(*HTTPController)

// WithControllerLogger sets the logger
func WithControllerLogger(logger Logger) HTTPControllerOption {
	return func(h *HTTPController) {
		if logger != nil {
			h.Logger = logger
		}
	}
}

// WithControllerClock injects a custom clock (useful for tests).
func WithControllerClock(clock Clock) HTTPControllerOption {
	return func(h *HTTPController) {
		if clock != nil {
			h.Now = clock
		}
	}
}

// NewHTTPController builds the controller.
func NewHTTPController(users *UserService, accounts *AccountManager, requests *RequestLifecycle, audit AuditEntries, auth *RouteAuthenticator, opts ...HTTPControllerOption) *HTTPController {
	h := &HTTPController{
		Users:    users,
		Accounts: accounts,
		Requests: requests,
		Audit:    audit,
		Auth:     auth,
		Logger:   defLogger{},
		Now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// RegisterRoutes mounts every route on r.
func (h *HTTPController) RegisterRoutes(r fiber.Router) {
	protected := h.Auth.ProtectedRoute(false)
	optional := h.Auth.ProtectedRoute(true)

	r.Get("/healthz", h.Health)

	authGroup := r.Group("/auth")
	authGroup.Post("/register", h.Register)
	authGroup.Post("/login", h.Login)
	authGroup.Post("/logout", optional, h.Logout)

	users := r.Group("/users", protected)
	users.Get("/me", h.Me)
	users.Put("/update", h.UpdateProfile)
	users.Put("/profile", h.UpdateProfile)

	comptes := r.Group("/comptes", protected)
	comptes.Get("/", h.ListAccounts)
	comptes.Get("/mine", h.ListAccounts)
	comptes.Post("/", h.CreateAccount)
	comptes.Get("/:id", h.GetAccount)
	comptes.Put("/:id/default", h.SetDefaultAccount)
	comptes.Put("/:id", h.UpdateAccount)
	comptes.Delete("/:id", h.DeleteAccount)

	demandes := r.Group("/demandes", protected)
	demandes.Get("/", h.ListRequests)
	demandes.Post("/", h.Auth.RequireRole(RoleClient), h.CreateRequest)
	demandes.Get("/:id", h.GetRequest)
	demandes.Put("/:id/annuler", h.CancelRequest)
	demandes.Put("/:id/statut", h.Auth.RequireRole(RoleAgent), h.ChangeRequestStatus)
	demandes.Put("/:id", h.EditRequest)
	demandes.Delete("/:id", h.Auth.RequireRole(RoleAgent), h.DeleteRequest)

	history := r.Group("/historique", protected)
	history.Get("/mine", h.MyHistory)
	history.Get("/demandes/:id", h.RequestHistory)
	history.Get("/comptes/:id", h.AccountHistory)
}

func (h *HTTPController) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": h.Now().UTC()})
}

// LoginRequest is the login payload
type LoginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

func (h *HTTPController) Register(c *fiber.Ctx) error {
	in := RegisterInput{}
	if err := h.bind(c, &in); err != nil {
		return h.fail(c, err)
	}
	res, err := h.Users.Register(c.UserContext(), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *HTTPController) Login(c *fiber.Ctx) error {
	in := LoginRequest{}
	if err := h.bind(c, &in); err != nil {
		return h.fail(c, err)
	}
	res, err := h.Users.Login(c.UserContext(), in.Email, in.Password)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

func (h *HTTPController) Logout(c *fiber.Ctx) error {
	p, _ := PrincipalFromFiber(c)
	h.Users.Logout(c.UserContext(), p)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *HTTPController) Me(c *fiber.Ctx) error {
	user, err := h.Users.Me(c.UserContext(), principal(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(user)
}

func (h *HTTPController) UpdateProfile(c *fiber.Ctx) error {
	patch := ProfilePatch{}
	if err := h.bind(c, &patch); err != nil {
		return h.fail(c, err)
	}
	res, err := h.Users.UpdateProfile(c.UserContext(), principal(c), patch)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(res)
}

func (h *HTTPController) ListAccounts(c *fiber.Ctx) error {
	accounts, err := h.Accounts.List(c.UserContext(), principal(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(accounts)
}

func (h *HTTPController) GetAccount(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	acc, err := h.Accounts.Get(c.UserContext(), principal(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(acc)
}

func (h *HTTPController) CreateAccount(c *fiber.Ctx) error {
	in := AccountInput{}
	if err := h.bind(c, &in); err != nil {
		return h.fail(c, err)
	}
	acc, err := h.Accounts.Create(c.UserContext(), principal(c), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(acc)
}

func (h *HTTPController) UpdateAccount(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	patch := AccountPatch{}
	if err := h.bind(c, &patch); err != nil {
		return h.fail(c, err)
	}
	acc, err := h.Accounts.Update(c.UserContext(), principal(c), id, patch)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(acc)
}

func (h *HTTPController) SetDefaultAccount(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	acc, err := h.Accounts.SetDefault(c.UserContext(), principal(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(acc)
}

func (h *HTTPController) DeleteAccount(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.Accounts.Delete(c.UserContext(), principal(c), id); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RequestPayload is the wire form of RequestInput. Dates are accepted as
// YYYY-MM-DD or RFC 3339.
type RequestPayload struct {
	AccountID     uuid.UUID `json:"account_id"`
	PageCount     int       `json:"page_count"`
	Reason        string    `json:"reason,omitempty"`
	RequestedDate string    `json:"requested_date,omitempty"`
}

// RequestPatchPayload is the wire form of RequestPatch.
type RequestPatchPayload struct {
	RequestedDate *string `json:"requested_date,omitempty"`
	PageCount     *int    `json:"page_count,omitempty"`
	Reason        *string `json:"reason,omitempty"`
}

func (h *HTTPController) ListRequests(c *fiber.Ctx) error {
	filter := RequestFilter{
		Limit:  c.QueryInt("limit", 0),
		Offset: c.QueryInt("offset", 0),
	}
	if raw := strings.TrimSpace(c.Query("compteId")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return h.fail(c, ErrValidation("invalid compteId", map[string]any{
				"fields": map[string]string{"compteId": "must be a valid UUID"},
			}))
		}
		filter.AccountID = id
	}
	if raw := strings.TrimSpace(c.Query("statut")); raw != "" {
		st, err := ParseRequestStatus(raw)
		if err != nil {
			return h.fail(c, err)
		}
		filter.Status = st
	}

	records, err := h.Requests.List(c.UserContext(), principal(c), filter)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(records)
}

func (h *HTTPController) GetRequest(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	record, err := h.Requests.Get(c.UserContext(), principal(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(record)
}

func (h *HTTPController) CreateRequest(c *fiber.Ctx) error {
	payload := RequestPayload{}
	if err := h.bind(c, &payload); err != nil {
		return h.fail(c, err)
	}
	in := RequestInput{
		AccountID: payload.AccountID,
		PageCount: payload.PageCount,
		Reason:    payload.Reason,
	}
	if payload.RequestedDate != "" {
		when, err := parseDate(payload.RequestedDate)
		if err != nil {
			return h.fail(c, err)
		}
		in.RequestedDate = &when
	}

	record, err := h.Requests.Create(c.UserContext(), principal(c), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}

func (h *HTTPController) EditRequest(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	payload := RequestPatchPayload{}
	if err := h.bind(c, &payload); err != nil {
		return h.fail(c, err)
	}
	patch := RequestPatch{PageCount: payload.PageCount, Reason: payload.Reason}
	if payload.RequestedDate != nil {
		when, err := parseDate(*payload.RequestedDate)
		if err != nil {
			return h.fail(c, err)
		}
		patch.RequestedDate = &when
	}

	record, err := h.Requests.Edit(c.UserContext(), principal(c), id, patch)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(record)
}

func (h *HTTPController) CancelRequest(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	record, err := h.Requests.Cancel(c.UserContext(), principal(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(record)
}

func (h *HTTPController) ChangeRequestStatus(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}

	raw := c.Query("statut")
	if raw == "" {
		body := struct {
			Statut string `json:"statut"`
		}{}
		if len(c.Body()) > 0 {
			if err := h.bind(c, &body); err != nil {
				return h.fail(c, err)
			}
		}
		raw = body.Statut
	}
	target, err := ParseRequestStatus(raw)
	if err != nil {
		return h.fail(c, err)
	}

	record, err := h.Requests.ChangeStatus(c.UserContext(), principal(c), id, target)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(record)
}

func (h *HTTPController) DeleteRequest(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	if err := h.Requests.Delete(c.UserContext(), principal(c), id); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *HTTPController) MyHistory(c *fiber.Ctx) error {
	p := principal(c)
	records, err := h.Audit.ListByActor(c.UserContext(), p.Identity, c.QueryInt("limit", DefaultAuditPageSize))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(h.feed(records))
}

func (h *HTTPController) RequestHistory(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	if _, err := h.Requests.Get(c.UserContext(), principal(c), id); err != nil {
		return h.fail(c, err)
	}
	records, err := h.Audit.ListByResource(c.UserContext(), ResourceChequebookRequest, id.String(), c.QueryInt("limit", DefaultAuditPageSize))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(h.feed(records))
}

func (h *HTTPController) AccountHistory(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return h.fail(c, err)
	}
	if _, err := h.Accounts.Get(c.UserContext(), principal(c), id); err != nil {
		return h.fail(c, err)
	}
	records, err := h.Audit.ListByResource(c.UserContext(), ResourceAccount, id.String(), c.QueryInt("limit", DefaultAuditPageSize))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(h.feed(records))
}

func (h *HTTPController) feed(records []*AuditRecord) []activitymap.Normalized {
	events := make([]activitymap.Event, 0, len(records))
	for _, r := range records {
		events = append(events, activitymap.Event{
			ActorIdentity: r.ActorIdentity,
			ActorRole:     r.ActorRole,
			Action:        r.Action,
			ResourceType:  r.ResourceType,
			ResourceID:    r.ResourceID,
			ResourceLabel: r.ResourceLabel,
			Message:       r.Message,
			Payload:       r.Payload,
			OccurredAt:    r.OccurredAt,
		})
	}
	return activitymap.NormalizeAll(events, activitymap.WithClock(h.Now))
}

func (h *HTTPController) bind(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		h.Logger.Debug("parse payload", "path", c.Path(), "error", err)
		return ErrValidation("invalid request body")
	}
	return nil
}

func (h *HTTPController) fail(c *fiber.Ctx, err error) error {
	return SendError(c, h.Logger, err)
}

// principal is only called behind ProtectedRoute.
func principal(c *fiber.Ctx) Principal {
	p, _ := PrincipalFromFiber(c)
	return p
}

func pathID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, ErrValidation("invalid id", map[string]any{
			"fields": map[string]string{"id": "must be a valid UUID"},
		})
	}
	return id, nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, ErrValidation("invalid requested_date", map[string]any{
		"fields": map[string]string{"requested_date": "must be a date (YYYY-MM-DD)"},
	})
}
