package chequier

import (
	"context"

	"github.com/google/uuid"
)

// Principal is the authenticated caller, rebuilt on every request.
type Principal struct {
	UserID   uuid.UUID `json:"user_id"`
	Identity string    `json:"identity"`
	Role     Role      `json:"role"`
}

// IsZero reports whether p carries no identity.
func (p Principal) IsZero() bool {
	return p.Identity == "" && p.UserID == uuid.Nil
}

// IsAgent reports whether p holds the AGENT role
func (p Principal) IsAgent() bool {
	return p.Role == RoleAgent
}

// Owns reports whether p is the owner identified by ownerID.
func (p Principal) Owns(ownerID uuid.UUID) bool {
	return p.UserID != uuid.Nil && p.UserID == ownerID
}

var principalCtxKey = &contextKey{"principal"}

type contextKey struct {
	name string
}

// WithPrincipal stores p in ctx. Only transport glue should use this, core
// operations take the principal as an argument.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey).(Principal)
	return p, ok
}
