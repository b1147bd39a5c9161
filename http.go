package chequier

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-chequier/middleware/jwtware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
)

// PrincipalLocalsKey is the fiber locals key holding the request Principal.
const PrincipalLocalsKey = "principal"

// ErrorBody is the JSON envelope of every failed HTTP call.
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload carries the stable kind and a human readable message.
type ErrorPayload struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// RouteAuthenticator binds an AuthGate to fiber routes.
type RouteAuthenticator struct {
	gate   *AuthGate
	scheme string
	Logger Logger
}

// NewHTTPAuthenticator builds a RouteAuthenticator for gate.
func NewHTTPAuthenticator(gate *AuthGate, cfg Config) *RouteAuthenticator {
	scheme := "Bearer"
	if cfg != nil && cfg.GetAuthScheme() != "" {
		scheme = cfg.GetAuthScheme()
	}
	return &RouteAuthenticator{
		gate:   gate,
		scheme: scheme,
		Logger: defLogger{},
	}
}

// ProtectedRoute authenticates the bearer token and stores the Principal
// under PrincipalLocalsKey. When optional is set, requests whose credential
// is missing, expired or malformed go through anonymously.
func (a *RouteAuthenticator) ProtectedRoute(optional bool) fiber.Handler {
	return jwtware.New(jwtware.Config{
		Authenticate: func(ctx context.Context, credential string) (any, error) {
			return a.gate.Authenticate(ctx, credential)
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			a.Logger.Info("authentication rejected",
				"kind", ErrorKind(err),
				"path", c.Path(),
				"method", c.Method(),
			)
			return a.sendError(c, err)
		},
		ContextKey:  PrincipalLocalsKey,
		AuthScheme:  a.scheme,
		TokenLookup: "header:" + fiber.HeaderAuthorization,
		Optional:    optional,
		ContextEnricher: func(ctx context.Context, p any) context.Context {
			if principal, ok := p.(Principal); ok {
				return WithPrincipal(ctx, principal)
			}
			return ctx
		},
	})
}

// RequireRole rejects principals holding none of roles.
func (a *RouteAuthenticator) RequireRole(roles ...Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		p, ok := PrincipalFromFiber(c)
		if !ok {
			return a.sendError(c, ErrAuthMissing())
		}
		if err := Authorize(p, roles...); err != nil {
			return a.sendError(c, err)
		}
		return c.Next()
	}
}

func (a *RouteAuthenticator) sendError(c *fiber.Ctx, err error) error {
	return SendError(c, a.Logger, err)
}

// PrincipalFromFiber returns the Principal set by ProtectedRoute.
func PrincipalFromFiber(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(PrincipalLocalsKey).(Principal)
	if !ok || p.IsZero() {
		return Principal{}, false
	}
	return p, true
}

// NewFiberErrorHandler renders errors escaping handlers with the JSON
// envelope. It is meant for fiber.Config.ErrorHandler.
func NewFiberErrorHandler(logger Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = defLogger{}
	}
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(ErrorBody{Error: ErrorPayload{
				Kind:    fiberKind(fe.Code),
				Message: fe.Message,
			}})
		}
		return SendError(c, logger, err)
	}
}

// SendError writes err as an ErrorBody with its mapped status. Internal
// failures are logged in full and reported with a generic message.
func SendError(c *fiber.Ctx, logger Logger, err error) error {
	rich := AsRichError(err)
	status := StatusCode(rich)

	payload := ErrorPayload{
		Kind:    rich.TextCode,
		Message: rich.Message,
		Fields:  FieldErrors(rich),
	}

	if status >= fiber.StatusInternalServerError {
		payload.Message = genericInternalMessage
		payload.Fields = nil
		logger.Error("request failed",
			"path", c.Path(),
			"method", c.Method(),
			"error", rich.Error(),
			"cause", causeOf(rich),
			"details", print.MaybePrettyJSON(rich.Metadata),
		)
	}

	return c.Status(status).JSON(ErrorBody{Error: payload})
}

func causeOf(err *goerrors.Error) string {
	if cause := errors.Unwrap(err); cause != nil {
		return cause.Error()
	}
	return ""
}

func fiberKind(code int) string {
	switch code {
	case fiber.StatusNotFound:
		return TextCodeNotFound
	case fiber.StatusMethodNotAllowed, fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return TextCodeValidation
	case fiber.StatusUnauthorized:
		return TextCodeAuthMissing
	case fiber.StatusForbidden:
		return TextCodeForbidden
	}
	return TextCodeInternal
}
