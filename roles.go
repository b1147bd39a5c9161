package chequier

import (
	"strings"
)

// Role is the coarse role of a principal.
type Role string

const (
	RoleClient Role = "CLIENT"
	RoleAgent  Role = "AGENT"
)

// RoleAnonymous tags audit entries for unauthenticated actors. It is never
// assigned to a user.
const RoleAnonymous Role = "ANONYMOUS"

// IsValid checks if the role is one of the assignable roles
func (r Role) IsValid() bool {
	switch r {
	case RoleClient, RoleAgent:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// ParseRole parses a role name, case-insensitive. An empty value maps to CLIENT.
func ParseRole(s string) (Role, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return RoleClient, nil
	}
	r := Role(s)
	if !r.IsValid() {
		return "", ErrValidation("unknown role", map[string]any{"role": s})
	}
	return r, nil
}
