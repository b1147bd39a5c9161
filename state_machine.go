package chequier

import (
	"context"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RequestInput describes a new chequebook request. RequestedDate defaults to
// the current date.
type RequestInput struct {
	AccountID     uuid.UUID  `json:"account_id"`
	PageCount     int        `json:"page_count"`
	Reason        string     `json:"reason,omitempty"`
	RequestedDate *time.Time `json:"requested_date,omitempty"`
}

// Validate checks the input.
func (in RequestInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.AccountID, validation.By(requiredUUID)),
		validation.Field(&in.PageCount, validation.By(pageCountRule)),
		validation.Field(&in.Reason, validation.Length(0, 500)),
	)
}

// RequestPatch carries the fields to change on a pending request. Nil fields
// are left untouched.
type RequestPatch struct {
	RequestedDate *time.Time `json:"requested_date,omitempty"`
	PageCount     *int       `json:"page_count,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
}

// Validate checks the patch.
func (p RequestPatch) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PageCount, validation.By(pageCountRule)),
		validation.Field(&p.Reason, validation.Length(0, 500)),
	)
}

// IsEmpty reports whether the patch changes nothing.
func (p RequestPatch) IsEmpty() bool {
	return p.RequestedDate == nil && p.PageCount == nil && p.Reason == nil
}

// RequestLifecycleOption customizes a RequestLifecycle.
type RequestLifecycleOption func(*RequestLifecycle)

// WithLifecycleClock injects a custom clock (useful for tests).
func WithLifecycleClock(clock Clock) RequestLifecycleOption {
	return func(l *RequestLifecycle) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLifecycleAuditSink sets the sink that receives request audit entries.
func WithLifecycleAuditSink(sink AuditSink) RequestLifecycleOption {
	return func(l *RequestLifecycle) {
		l.audit.sink = normalizeAuditSink(sink)
	}
}

// WithLifecycleLogger sets the logger
func WithLifecycleLogger(logger Logger) RequestLifecycleOption {
	return func(l *RequestLifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPermissiveStatusChange lets agents overwrite the status of a request
// in any state, terminal ones included.
func WithPermissiveStatusChange() RequestLifecycleOption {
	return func(l *RequestLifecycle) {
		l.permissive = true
	}
}

// RequestLifecycle drives chequebook requests through
// PENDING -> CANCELLED | APPROVED | REJECTED.
type RequestLifecycle struct {
	repo        RepositoryManager
	transitions map[RequestStatus]map[RequestStatus]struct{}
	audit       auditRecorder
	logger      Logger
	now         Clock
	permissive  bool
}

// NewRequestLifecycle builds a RequestLifecycle.
func NewRequestLifecycle(repo RepositoryManager, opts ...RequestLifecycleOption) *RequestLifecycle {
	l := &RequestLifecycle{
		repo: repo,
		transitions: map[RequestStatus]map[RequestStatus]struct{}{
			RequestStatusPending: {
				RequestStatusCancelled: {},
				RequestStatusApproved:  {},
				RequestStatusRejected:  {},
			},
		},
		logger: defLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.audit = newAuditRecorder(l.audit.sink, l.logger, l.now)
	return l
}

// CanTransition reports whether the lifecycle allows from -> to.
func (l *RequestLifecycle) CanTransition(from, to RequestStatus) bool {
	if allowed, ok := l.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

// Create files a new PENDING request against one of the principal's accounts.
func (l *RequestLifecycle) Create(ctx context.Context, p Principal, in RequestInput) (*ChequebookRequest, error) {
	if p.UserID == uuid.Nil {
		return nil, ErrUnknownIdentity()
	}
	if err := Authorize(p, RoleClient); err != nil {
		return nil, err
	}
	in.Reason = strings.TrimSpace(in.Reason)
	if err := in.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	now := l.now().UTC()
	requested := dateOnly(now)
	if in.RequestedDate != nil && !in.RequestedDate.IsZero() {
		requested = dateOnly(*in.RequestedDate)
	}

	record := &ChequebookRequest{
		ID:            uuid.New(),
		OwnerID:       p.UserID,
		AccountID:     in.AccountID,
		RequestedDate: requested,
		PageCount:     in.PageCount,
		Reason:        in.Reason,
		Status:        RequestStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		acc, err := l.repo.Accounts().GetByIDTx(ctx, tx, in.AccountID)
		if err != nil {
			return err
		}
		if err := ownsAccount(p, acc); err != nil {
			return err
		}
		_, err = l.repo.Requests().CreateTx(ctx, tx, record)
		return err
	})
	if err != nil {
		return nil, AsRichError(err)
	}

	l.audit.record(ctx, principalEntry(p, AuditActionCreate, ResourceChequebookRequest, record.ID.String(),
		requestLabel(record), "chequebook request created", map[string]any{
			"account_id": record.AccountID.String(),
			"page_count": record.PageCount,
			"status":     record.Status,
		}))
	return record, nil
}

// Get returns a request visible to the principal: agents see every request,
// clients only their own.
func (l *RequestLifecycle) Get(ctx context.Context, p Principal, id uuid.UUID) (*ChequebookRequest, error) {
	record, err := l.repo.Requests().GetByIDTx(ctx, l.repo.DB(), id)
	if err != nil {
		return nil, err
	}
	if !p.IsAgent() && !p.Owns(record.OwnerID) {
		return nil, ErrForbidden("chequebook request belongs to another user", map[string]any{"id": id.String()})
	}
	return record, nil
}

// List returns requests newest first. Clients are scoped to their own
// requests, an account filter must reference one of their accounts.
func (l *RequestLifecycle) List(ctx context.Context, p Principal, filter RequestFilter) ([]*ChequebookRequest, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, ErrValidation("unknown request status", map[string]any{"status": filter.Status})
	}

	if !p.IsAgent() {
		filter.OwnerID = p.UserID
		if filter.AccountID != uuid.Nil {
			acc, err := l.repo.Accounts().GetByIDTx(ctx, l.repo.DB(), filter.AccountID)
			if err != nil {
				return nil, err
			}
			if !p.Owns(acc.OwnerID) {
				return nil, ErrNotFound("account not found", map[string]any{"id": filter.AccountID.String()})
			}
		}
	}
	return l.repo.Requests().ListTx(ctx, l.repo.DB(), filter)
}

// Edit applies patch to a PENDING request owned by the principal.
func (l *RequestLifecycle) Edit(ctx context.Context, p Principal, id uuid.UUID, patch RequestPatch) (*ChequebookRequest, error) {
	if patch.Reason != nil {
		patch.Reason = trimPtr(patch.Reason)
	}
	if err := patch.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	var record *ChequebookRequest
	err := l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := l.loadOwnedPending(ctx, tx, p, id)
		if err != nil {
			return err
		}

		columns := []string{}
		if patch.RequestedDate != nil {
			current.RequestedDate = dateOnly(*patch.RequestedDate)
			columns = append(columns, "requested_date")
		}
		if patch.PageCount != nil {
			current.PageCount = *patch.PageCount
			columns = append(columns, "page_count")
		}
		if patch.Reason != nil {
			current.Reason = *patch.Reason
			columns = append(columns, "reason")
		}
		current.UpdatedAt = l.now().UTC()

		ok, err := l.repo.Requests().UpdatePendingTx(ctx, tx, current, columns...)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidState("chequebook request is no longer pending", map[string]any{"id": id.String()})
		}
		record = current
		return nil
	})
	if err != nil {
		return nil, AsRichError(err)
	}

	l.audit.record(ctx, principalEntry(p, AuditActionUpdate, ResourceChequebookRequest, record.ID.String(),
		requestLabel(record), "chequebook request updated", map[string]any{
			"page_count":     record.PageCount,
			"requested_date": record.RequestedDate.Format(time.DateOnly),
		}))
	return record, nil
}

// Cancel moves a PENDING request owned by the principal to CANCELLED.
func (l *RequestLifecycle) Cancel(ctx context.Context, p Principal, id uuid.UUID) (*ChequebookRequest, error) {
	var record *ChequebookRequest
	err := l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := l.loadOwnedPending(ctx, tx, p, id)
		if err != nil {
			return err
		}
		if err := l.transitionTx(ctx, tx, current, RequestStatusCancelled); err != nil {
			return err
		}
		record = current
		return nil
	})
	if err != nil {
		return nil, AsRichError(err)
	}

	l.audit.record(ctx, principalEntry(p, AuditActionCancel, ResourceChequebookRequest, record.ID.String(),
		requestLabel(record), "chequebook request cancelled", map[string]any{
			"from": RequestStatusPending,
			"to":   record.Status,
		}))
	return record, nil
}

// ChangeStatus lets an agent approve or reject a request.
func (l *RequestLifecycle) ChangeStatus(ctx context.Context, p Principal, id uuid.UUID, target RequestStatus) (*ChequebookRequest, error) {
	if err := Authorize(p, RoleAgent); err != nil {
		return nil, err
	}
	if target != RequestStatusApproved && target != RequestStatusRejected {
		return nil, ErrValidation("target status must be APPROVED or REJECTED", map[string]any{"status": target})
	}

	var (
		record  *ChequebookRequest
		from    RequestStatus
		changed bool
	)
	err := l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := l.repo.Requests().GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		from = current.Status
		if from == target {
			record = current
			return nil
		}
		if !l.permissive && !l.CanTransition(from, target) {
			return ErrInvalidState(fmt.Sprintf("cannot move a %s request to %s", from, target), map[string]any{
				"id":   id.String(),
				"from": from,
				"to":   target,
			})
		}
		if err := l.transitionTx(ctx, tx, current, target); err != nil {
			return err
		}
		record = current
		changed = true
		return nil
	})
	if err != nil {
		return nil, AsRichError(err)
	}
	if !changed {
		return record, nil
	}

	action := AuditActionApprove
	if target == RequestStatusRejected {
		action = AuditActionReject
	}
	l.audit.record(ctx, principalEntry(p, action, ResourceChequebookRequest, record.ID.String(),
		requestLabel(record), "chequebook request "+strings.ToLower(string(record.Status)), map[string]any{
			"from":     from,
			"to":       record.Status,
			"owner_id": record.OwnerID.String(),
		}))
	return record, nil
}

// Delete removes a request. Only agents may delete, whatever the status.
func (l *RequestLifecycle) Delete(ctx context.Context, p Principal, id uuid.UUID) error {
	if err := Authorize(p, RoleAgent); err != nil {
		return err
	}

	var record *ChequebookRequest
	err := l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := l.repo.Requests().GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		record = current
		return l.repo.Requests().DeleteTx(ctx, tx, id)
	})
	if err != nil {
		return AsRichError(err)
	}

	l.audit.record(ctx, principalEntry(p, AuditActionDelete, ResourceChequebookRequest, record.ID.String(),
		requestLabel(record), "chequebook request deleted", map[string]any{
			"status":   record.Status,
			"owner_id": record.OwnerID.String(),
		}))
	return nil
}

func (l *RequestLifecycle) loadOwnedPending(ctx context.Context, tx bun.IDB, p Principal, id uuid.UUID) (*ChequebookRequest, error) {
	current, err := l.repo.Requests().GetByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !p.Owns(current.OwnerID) {
		return nil, ErrForbidden("chequebook request belongs to another user", map[string]any{"id": id.String()})
	}
	if current.Status != RequestStatusPending {
		return nil, ErrInvalidState("chequebook request is not pending", map[string]any{
			"id":     id.String(),
			"status": current.Status,
		})
	}
	return current, nil
}

// transitionTx writes the new status guarded on the status that was read, so
// a concurrent transition on the same request makes this one fail.
func (l *RequestLifecycle) transitionTx(ctx context.Context, tx bun.IDB, record *ChequebookRequest, to RequestStatus) error {
	from := record.Status
	at := l.now().UTC()
	ok, err := l.repo.Requests().TransitionTx(ctx, tx, record.ID, from, to, at)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidState("chequebook request changed concurrently", map[string]any{
			"id":   record.ID.String(),
			"from": from,
			"to":   to,
		})
	}
	record.Status = to
	record.UpdatedAt = at
	return nil
}

func requestLabel(r *ChequebookRequest) string {
	return fmt.Sprintf("%d pages, %s", r.PageCount, r.RequestedDate.Format(time.DateOnly))
}

func pageCountRule(value any) error {
	var n int
	switch v := value.(type) {
	case nil:
		return nil
	case int:
		n = v
	case *int:
		if v == nil {
			return nil
		}
		n = *v
	default:
		return fmt.Errorf("must be a number")
	}
	if !IsValidPageCount(n) {
		return fmt.Errorf("must be one of 10, 25, 50")
	}
	return nil
}

func requiredUUID(value any) error {
	id, _ := value.(uuid.UUID)
	if id == uuid.Nil {
		return fmt.Errorf("cannot be blank")
	}
	return nil
}
