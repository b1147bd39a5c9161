package chequier

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// AuditAction is the closed set of audited actions.
type AuditAction string

const (
	AuditActionCreate         AuditAction = "CREATE"
	AuditActionUpdate         AuditAction = "UPDATE"
	AuditActionDelete         AuditAction = "DELETE"
	AuditActionSetDefault     AuditAction = "SET_DEFAULT"
	AuditActionCancel         AuditAction = "CANCEL"
	AuditActionApprove        AuditAction = "APPROVE"
	AuditActionReject         AuditAction = "REJECT"
	AuditActionChangeStatus   AuditAction = "CHANGE_STATUS"
	AuditActionRegister       AuditAction = "REGISTER"
	AuditActionRegisterFailed AuditAction = "REGISTER_FAILED"
	AuditActionLogin          AuditAction = "LOGIN"
	AuditActionLoginFailed    AuditAction = "LOGIN_FAILED"
	AuditActionLogout         AuditAction = "LOGOUT"
	AuditActionUpdateProfile  AuditAction = "UPDATE_PROFILE"
)

// IsValid reports whether a is a known action.
func (a AuditAction) IsValid() bool {
	switch a {
	case AuditActionCreate, AuditActionUpdate, AuditActionDelete, AuditActionSetDefault,
		AuditActionCancel, AuditActionApprove, AuditActionReject, AuditActionChangeStatus,
		AuditActionRegister, AuditActionRegisterFailed, AuditActionLogin, AuditActionLoginFailed,
		AuditActionLogout, AuditActionUpdateProfile:
		return true
	}
	return false
}

// ResourceType is the closed set of audited resource kinds.
type ResourceType string

const (
	ResourceAccount           ResourceType = "ACCOUNT"
	ResourceChequebookRequest ResourceType = "CHEQUEBOOK_REQUEST"
	ResourceAuth              ResourceType = "AUTH"
	ResourceUser              ResourceType = "USER"
)

// IsValid reports whether r is a known resource type.
func (r ResourceType) IsValid() bool {
	switch r {
	case ResourceAccount, ResourceChequebookRequest, ResourceAuth, ResourceUser:
		return true
	}
	return false
}

// AuditEntry is the draft handed to an AuditSink. ID and OccurredAt are
// filled by the recorder when empty.
type AuditEntry struct {
	ID            uuid.UUID
	ActorIdentity string
	ActorRole     Role
	Action        AuditAction
	ResourceType  ResourceType
	ResourceID    string
	ResourceLabel string
	Message       string
	Payload       map[string]any
	OccurredAt    time.Time
}

// AuditSink appends audit entries. Implementations may fail, callers never
// propagate those failures.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// AuditSinkFunc adapts a function to the AuditSink interface.
type AuditSinkFunc func(ctx context.Context, entry AuditEntry) error

// Record implements AuditSink.
func (f AuditSinkFunc) Record(ctx context.Context, entry AuditEntry) error {
	if f == nil {
		return nil
	}
	return f(ctx, entry)
}

type noopAuditSink struct{}

func (noopAuditSink) Record(context.Context, AuditEntry) error {
	return nil
}

func normalizeAuditSink(s AuditSink) AuditSink {
	if s == nil {
		return noopAuditSink{}
	}
	return s
}

// MultiAuditSink fans entries out to every sink and joins their errors.
type MultiAuditSink []AuditSink

// Record implements AuditSink.
func (m MultiAuditSink) Record(ctx context.Context, entry AuditEntry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoggerAuditSink writes entries to a Logger.
func LoggerAuditSink(logger Logger) AuditSink {
	if logger == nil {
		logger = defLogger{}
	}
	return AuditSinkFunc(func(_ context.Context, e AuditEntry) error {
		logger.Info("audit",
			"actor", e.ActorIdentity,
			"role", e.ActorRole,
			"action", e.Action,
			"resource_type", e.ResourceType,
			"resource_id", e.ResourceID,
			"message", e.Message,
		)
		return nil
	})
}

// auditRecorder stamps drafts and swallows sink failures after logging them.
type auditRecorder struct {
	sink   AuditSink
	logger Logger
	now    Clock
}

func newAuditRecorder(sink AuditSink, logger Logger, now Clock) auditRecorder {
	if logger == nil {
		logger = defLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return auditRecorder{sink: normalizeAuditSink(sink), logger: logger, now: now}
}

func (r auditRecorder) record(ctx context.Context, entry AuditEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now()
	}
	if entry.ActorRole == "" {
		entry.ActorRole = RoleAnonymous
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("audit sink panic", "action", entry.Action, "resource_type", entry.ResourceType, "panic", rec)
		}
	}()

	if err := normalizeAuditSink(r.sink).Record(ctx, entry); err != nil {
		r.logger.Warn("audit sink record error",
			"action", entry.Action,
			"resource_type", entry.ResourceType,
			"resource_id", entry.ResourceID,
			"error", err,
		)
	}
}

func principalEntry(p Principal, action AuditAction, resource ResourceType, resourceID, label, message string, payload map[string]any) AuditEntry {
	return AuditEntry{
		ActorIdentity: p.Identity,
		ActorRole:     p.Role,
		Action:        action,
		ResourceType:  resource,
		ResourceID:    resourceID,
		ResourceLabel: label,
		Message:       message,
		Payload:       payload,
	}
}
