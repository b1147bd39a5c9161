package chequier

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// User is the user model
type User struct {
	bun.BaseModel     `bun:"table:users,alias:usr"`
	ID                uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Role              Role       `bun:"user_role,notnull" json:"role,omitempty"`
	FirstName         string     `bun:"first_name,notnull" json:"first_name,omitempty"`
	LastName          string     `bun:"last_name,notnull" json:"last_name,omitempty"`
	Email             string     `bun:"email,notnull,unique" json:"email,omitempty"`
	NationalID        string     `bun:"national_id,nullzero,unique" json:"national_id,omitempty"`
	BankAccountNumber string     `bun:"bank_account_number,nullzero,unique" json:"bank_account_number,omitempty"`
	PasswordHash      string     `bun:"password_hash,notnull" json:"-"`
	LoginAttempts     int        `bun:"login_attempts,notnull" json:"-"`
	LoginAttemptAt    *time.Time `bun:"login_attempt_at,nullzero" json:"-"`
	LoggedInAt        *time.Time `bun:"loggedin_at,nullzero" json:"loggedin_at,omitempty"`
	CreatedAt         *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt         *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// Principal returns the principal for u.
func (u *User) Principal() Principal {
	if u == nil {
		return Principal{}
	}
	return Principal{UserID: u.ID, Identity: u.Email, Role: u.Role}
}

// FullName is the display label used in audit entries.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Account is a bank account owned by a single user.
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:acc"`
	ID            uuid.UUID `bun:"id,pk,nullzero,type:uuid" json:"id"`
	OwnerID       uuid.UUID `bun:"owner_id,notnull,type:uuid" json:"owner_id"`
	Kind          string    `bun:"kind,notnull" json:"kind"`
	Number        string    `bun:"number,notnull" json:"number"`
	RIB           string    `bun:"rib,nullzero" json:"rib,omitempty"`
	IBAN          string    `bun:"iban,nullzero" json:"iban,omitempty"`
	Currency      string    `bun:"currency,nullzero" json:"currency,omitempty"`
	IsDefault     bool      `bun:"is_default,notnull" json:"is_default"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// Label is the display label used in audit entries.
func (a *Account) Label() string {
	return strings.TrimSpace(a.Kind + " " + a.Number)
}

// RequestStatus is the lifecycle state of a chequebook request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusCancelled RequestStatus = "CANCELLED"
	RequestStatusApproved  RequestStatus = "APPROVED"
	RequestStatusRejected  RequestStatus = "REJECTED"
)

// IsValid reports whether s is a known status.
func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestStatusPending, RequestStatusCancelled, RequestStatusApproved, RequestStatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s RequestStatus) IsTerminal() bool {
	return s.IsValid() && s != RequestStatusPending
}

// ParseRequestStatus parses a status name, case-insensitive.
func ParseRequestStatus(s string) (RequestStatus, error) {
	st := RequestStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", ErrValidation("unknown request status", map[string]any{"status": s})
	}
	return st, nil
}

// Allowed booklet sizes.
var validPageCounts = map[int]struct{}{10: {}, 25: {}, 50: {}}

// IsValidPageCount reports whether n is an orderable booklet size.
func IsValidPageCount(n int) bool {
	_, ok := validPageCounts[n]
	return ok
}

// ChequebookRequest is a request for a chequebook tied to one account.
type ChequebookRequest struct {
	bun.BaseModel `bun:"table:chequebook_requests,alias:cbr"`
	ID            uuid.UUID     `bun:"id,pk,nullzero,type:uuid" json:"id"`
	OwnerID       uuid.UUID     `bun:"owner_id,notnull,type:uuid" json:"owner_id"`
	AccountID     uuid.UUID     `bun:"account_id,notnull,type:uuid" json:"account_id"`
	RequestedDate time.Time     `bun:"requested_date,notnull" json:"requested_date"`
	PageCount     int           `bun:"page_count,notnull" json:"page_count"`
	Reason        string        `bun:"reason,nullzero" json:"reason,omitempty"`
	Status        RequestStatus `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time     `bun:"updated_at,notnull" json:"updated_at"`
}

// AuditRecord is the persisted form of an AuditEntry. Rows are never updated.
type AuditRecord struct {
	bun.BaseModel `bun:"table:audit_entries,alias:aud"`
	ID            uuid.UUID      `bun:"id,pk,nullzero,type:uuid" json:"id"`
	ActorIdentity string         `bun:"actor_identity,notnull" json:"actor_identity"`
	ActorRole     string         `bun:"actor_role,notnull" json:"actor_role"`
	Action        string         `bun:"action,notnull" json:"action"`
	ResourceType  string         `bun:"resource_type,notnull" json:"resource_type"`
	ResourceID    string         `bun:"resource_id,nullzero" json:"resource_id,omitempty"`
	ResourceLabel string         `bun:"resource_label,nullzero" json:"resource_label,omitempty"`
	Message       string         `bun:"message,notnull" json:"message"`
	Payload       map[string]any `bun:"payload" json:"payload,omitempty"`
	OccurredAt    time.Time      `bun:"occurred_at,notnull" json:"occurred_at"`
}

func auditRecordFromEntry(e AuditEntry) *AuditRecord {
	return &AuditRecord{
		ID:            e.ID,
		ActorIdentity: e.ActorIdentity,
		ActorRole:     string(e.ActorRole),
		Action:        string(e.Action),
		ResourceType:  string(e.ResourceType),
		ResourceID:    e.ResourceID,
		ResourceLabel: e.ResourceLabel,
		Message:       e.Message,
		Payload:       e.Payload,
		OccurredAt:    e.OccurredAt.UTC(),
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
