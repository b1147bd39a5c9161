package chequier

import (
	"context"
	"strings"
)

const defaultAuthScheme = "Bearer"

// AuthGate authenticates bearer credentials and performs coarse role checks.
// It keeps no per request state.
type AuthGate struct {
	tokens     TokenService
	identities IdentityLookup
	scheme     string
	logger     Logger
}

// AuthGateOption customizes an AuthGate.
type AuthGateOption func(*AuthGate)

// WithAuthScheme overrides the expected scheme, "Bearer" by default.
func WithAuthScheme(scheme string) AuthGateOption {
	return func(g *AuthGate) {
		if s := strings.TrimSpace(scheme); s != "" {
			g.scheme = s
		}
	}
}

// WithAuthGateLogger sets the logger
func WithAuthGateLogger(logger Logger) AuthGateOption {
	return func(g *AuthGate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewAuthGate builds an AuthGate.
func NewAuthGate(tokens TokenService, identities IdentityLookup, opts ...AuthGateOption) *AuthGate {
	g := &AuthGate{
		tokens:     tokens,
		identities: identities,
		scheme:     defaultAuthScheme,
		logger:     defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Authenticate resolves the principal for a raw Authorization header value.
func (g *AuthGate) Authenticate(ctx context.Context, header string) (Principal, error) {
	raw, ok := ParseBearer(header, g.scheme)
	if !ok {
		return Principal{}, ErrAuthMissing()
	}

	subject, err := g.tokens.Verify(raw)
	if err != nil {
		return Principal{}, err
	}

	p, err := g.identities.FindPrincipal(ctx, subject)
	if err != nil {
		if IsKind(err, TextCodeUnknownIdentity) || IsKind(err, TextCodeNotFound) {
			return Principal{}, ErrUnknownIdentity()
		}
		g.logger.Error("identity lookup failed", "subject", subject, "error", err)
		return Principal{}, AsRichError(err)
	}
	if !p.Role.IsValid() {
		g.logger.Warn("identity resolved with unknown role", "subject", subject, "role", p.Role)
		return Principal{}, ErrUnknownIdentity()
	}
	return p, nil
}

// Authorize fails with a forbidden error when required roles are given and
// the principal holds none of them.
func (g *AuthGate) Authorize(p Principal, required ...Role) error {
	return Authorize(p, required...)
}

// Authorize is the stateless form of AuthGate.Authorize.
func Authorize(p Principal, required ...Role) error {
	if len(required) == 0 {
		return nil
	}
	for _, r := range required {
		if r != "" && p.Role == r {
			return nil
		}
	}
	return ErrForbidden("insufficient role", map[string]any{
		"role":     p.Role,
		"required": required,
	})
}

// ParseBearer extracts the token from "<scheme> <token>". The scheme match is
// case-insensitive and exactly one space must separate it from the token.
func ParseBearer(header, scheme string) (string, bool) {
	if scheme == "" {
		scheme = defaultAuthScheme
	}
	l := len(scheme)
	if len(header) < l+2 {
		return "", false
	}
	if !strings.EqualFold(header[:l], scheme) || header[l] != ' ' {
		return "", false
	}
	token := header[l+1:]
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return "", false
	}
	return token, true
}
