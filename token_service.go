package chequier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used when Issue is called with a non positive ttl.
const DefaultTokenTTL = 24 * time.Hour

// TokenService issues and verifies signed bearer tokens.
type TokenService interface {
	Issue(subject string, ttl time.Duration) (string, error)
	Verify(token string) (string, error)
	ParseClaims(token string) (*TokenClaims, error)
}

// TokenServiceOption customizes a token service.
type TokenServiceOption func(*JWTTokenService)

// WithTokenClock injects the clock used for issue and expiry checks.
func WithTokenClock(clock Clock) TokenServiceOption {
	return func(ts *JWTTokenService) {
		if clock != nil {
			ts.now = clock
		}
	}
}

// JWTTokenService implements TokenService with HS256 JWTs. It holds no
// mutable state after construction and Verify performs no I/O.
type JWTTokenService struct {
	signingKey []byte
	defaultTTL time.Duration
	issuer     string
	audience   jwt.ClaimStrings
	now        Clock
}

// NewTokenService creates a new TokenService. tokenExpiration is in hours,
// zero selects DefaultTokenTTL.
func NewTokenService(signingKey []byte, tokenExpiration int, issuer string, audience jwt.ClaimStrings, opts ...TokenServiceOption) *JWTTokenService {
	key := make([]byte, len(signingKey))
	copy(key, signingKey)

	ttl := DefaultTokenTTL
	if tokenExpiration > 0 {
		ttl = time.Duration(tokenExpiration) * time.Hour
	}

	ts := &JWTTokenService{
		signingKey: key,
		defaultTTL: ttl,
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}
	return ts
}

// NewTokenServiceFromConfig builds a token service from Config.
func NewTokenServiceFromConfig(cfg Config, opts ...TokenServiceOption) *JWTTokenService {
	return NewTokenService(
		[]byte(cfg.GetSigningKey()),
		cfg.GetTokenExpiration(),
		cfg.GetIssuer(),
		jwt.ClaimStrings(cfg.GetAudience()),
		opts...,
	)
}

// expiryPrecision is the resolution of issue and expiry instants. Dates are
// encoded with microsecond digits so the float decoding done by jwt cannot
// push them across a millisecond boundary; ParseClaims rounds them back.
const expiryPrecision = time.Millisecond

func init() {
	jwt.TimePrecision = time.Microsecond
}

// DefaultTTL returns the ttl applied when none is requested.
func (ts *JWTTokenService) DefaultTTL() time.Duration {
	return ts.defaultTTL
}

// Issue signs a token for subject valid for ttl.
func (ts *JWTTokenService) Issue(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", ErrValidation("token subject must not be empty")
	}
	if ttl <= 0 {
		ttl = ts.defaultTTL
	}

	now := ts.now().Truncate(expiryPrecision)
	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subject,
			Audience:  ts.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	ensureTokenID(&claims.RegisteredClaims)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.signingKey)
	if err != nil {
		return "", ErrInternal(err, map[string]any{"operation": "sign token"})
	}
	return signed, nil
}

// Verify returns the subject bound to token.
func (ts *JWTTokenService) Verify(token string) (string, error) {
	claims, err := ts.ParseClaims(token)
	if err != nil {
		return "", err
	}
	return claims.Subject(), nil
}

// ParseClaims validates token and returns its claims. A token stops being
// valid at exactly its expiry instant.
func (ts *JWTTokenService) ParseClaims(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrSignatureInvalid()
		}
		return nil, ErrTokenMalformed()
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenMalformed()
	}
	claims.roundTimes(expiryPrecision)

	if err := ts.validator().Validate(claims); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired()
		}
		return nil, ErrTokenMalformed()
	}
	if claims.Subject() == "" {
		return nil, ErrTokenMalformed()
	}
	return claims, nil
}

func (ts *JWTTokenService) validator() *jwt.Validator {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(ts.now),
	}
	if ts.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		opts = append(opts, jwt.WithAudience(ts.audience[0]))
	}
	return jwt.NewValidator(opts...)
}
