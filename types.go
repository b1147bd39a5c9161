package chequier

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the logging surface used by every component. Arguments after
// msg are key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds token options
type Config interface {
	GetSigningKey() string
	GetTokenExpiration() int
	GetIssuer() string
	GetAudience() []string
	GetAuthScheme() string
}

// IdentityLookup resolves a token subject into a Principal.
type IdentityLookup interface {
	FindPrincipal(ctx context.Context, subject string) (Principal, error)
}

// IdentityLookupFunc adapts a function to IdentityLookup.
type IdentityLookupFunc func(ctx context.Context, subject string) (Principal, error)

// FindPrincipal implements IdentityLookup.
func (f IdentityLookupFunc) FindPrincipal(ctx context.Context, subject string) (Principal, error) {
	return f(ctx, subject)
}

// PasswordHasher hashes and compares passwords
type PasswordHasher interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// Clock returns the current time.
type Clock func() time.Time

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Print("[DBG] CHEQUIER " + line(msg, args))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Print("[INF] CHEQUIER " + line(msg, args))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Print("[WRN] CHEQUIER " + line(msg, args))
}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Print("[ERR] CHEQUIER " + line(msg, args))
}

func line(msg string, args []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		} else {
			fmt.Fprintf(&b, " %v", args[i])
		}
	}
	b.WriteByte('\n')
	return b.String()
}
