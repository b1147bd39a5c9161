package chequier_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	chequier "github.com/goliatone/go-chequier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestTokenService(clock *fakeClock) *chequier.JWTTokenService {
	return chequier.NewTokenService(
		[]byte("test-signing-key-with-enough-bytes"),
		24,
		"chequier-test",
		jwt.ClaimStrings{"chequier-clients"},
		chequier.WithTokenClock(clock.Now),
	)
}

func flipSignatureByte(token string) string {
	idx := strings.LastIndex(token, ".") + 1
	replacement := byte('A')
	if token[idx] == 'A' {
		replacement = 'B'
	}
	return token[:idx] + string(replacement) + token[idx+1:]
}

func TestTokenService_RoundTrip(t *testing.T) {
	ttls := []time.Duration{time.Minute, time.Hour, 24 * time.Hour, 72 * time.Hour}

	for _, ttl := range ttls {
		t.Run(ttl.String(), func(t *testing.T) {
			clock := newFakeClock(tokenEpoch)
			ts := newTestTokenService(clock)

			token, err := ts.Issue("a@x.com", ttl)
			require.NoError(t, err)
			assert.Len(t, strings.Split(token, "."), 3)

			clock.Advance(ttl - time.Second)
			subject, err := ts.Verify(token)
			require.NoError(t, err)
			assert.Equal(t, "a@x.com", subject)

			clock.Advance(time.Second)
			_, err = ts.Verify(token)
			assert.True(t, chequier.IsKind(err, chequier.TextCodeTokenExpired), "expected expired at boundary, got %v", err)

			clock.Advance(time.Hour)
			_, err = ts.Verify(token)
			assert.True(t, chequier.IsKind(err, chequier.TextCodeTokenExpired))
		})
	}
}

func TestTokenService_ExpiresExactlyAtSubSecondBoundary(t *testing.T) {
	offsets := []time.Duration{
		700 * time.Millisecond,
		time.Millisecond,
		999 * time.Millisecond,
		123*time.Millisecond + 456*time.Microsecond,
	}

	for _, offset := range offsets {
		t.Run(offset.String(), func(t *testing.T) {
			issuedAt := tokenEpoch.Add(offset).Truncate(time.Millisecond)
			clock := newFakeClock(tokenEpoch.Add(offset))
			ts := newTestTokenService(clock)

			token, err := ts.Issue("a@x.com", time.Hour)
			require.NoError(t, err)

			claims, err := ts.ParseClaims(token)
			require.NoError(t, err)
			assert.True(t, issuedAt.Equal(claims.IssuedAt()), "iat %s", claims.IssuedAt())
			assert.True(t, issuedAt.Add(time.Hour).Equal(claims.Expires()), "exp %s", claims.Expires())

			clock.Set(issuedAt.Add(time.Hour - time.Millisecond))
			_, err = ts.Verify(token)
			require.NoError(t, err)

			clock.Set(issuedAt.Add(time.Hour))
			_, err = ts.Verify(token)
			assert.True(t, chequier.IsKind(err, chequier.TextCodeTokenExpired), "got %v", err)
		})
	}
}

func TestTokenService_DefaultTTL(t *testing.T) {
	clock := newFakeClock(tokenEpoch)
	ts := chequier.NewTokenService([]byte("secret-secret-secret"), 0, "", nil, chequier.WithTokenClock(clock.Now))
	assert.Equal(t, chequier.DefaultTokenTTL, ts.DefaultTTL())

	token, err := ts.Issue("a@x.com", 0)
	require.NoError(t, err)

	claims, err := ts.ParseClaims(token)
	require.NoError(t, err)
	assert.True(t, tokenEpoch.Equal(claims.IssuedAt()))
	assert.True(t, tokenEpoch.Add(24*time.Hour).Equal(claims.Expires()))
	assert.NotEmpty(t, claims.ID)
}

func TestTokenService_Verify_Failures(t *testing.T) {
	clock := newFakeClock(tokenEpoch)
	ts := newTestTokenService(clock)

	valid, err := ts.Issue("a@x.com", time.Hour)
	require.NoError(t, err)

	other := chequier.NewTokenService([]byte("another-signing-key-entirely"), 24, "chequier-test",
		jwt.ClaimStrings{"chequier-clients"}, chequier.WithTokenClock(clock.Now))
	foreign, err := other.Issue("a@x.com", time.Hour)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "a@x.com",
		ExpiresAt: jwt.NewNumericDate(tokenEpoch.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		expected string
	}{
		{name: "empty", token: "", expected: chequier.TextCodeTokenMalformed},
		{name: "garbage", token: "not-a-token", expected: chequier.TextCodeTokenMalformed},
		{name: "two segments", token: "abc.def", expected: chequier.TextCodeTokenMalformed},
		{name: "bad base64 claims", token: "eyJhbGciOiJIUzI1NiJ9.%%%.abc", expected: chequier.TextCodeTokenMalformed},
		{name: "alg none", token: noneToken, expected: chequier.TextCodeSignatureInvalid},
		{name: "flipped signature byte", token: flipSignatureByte(valid), expected: chequier.TextCodeSignatureInvalid},
		{name: "signed with another key", token: foreign, expected: chequier.TextCodeSignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, err := ts.Verify(tt.token)
			require.Error(t, err)
			assert.Empty(t, subject)
			assert.Equal(t, tt.expected, chequier.ErrorKind(err))
			assert.Equal(t, 401, chequier.StatusCode(err))
		})
	}
}

func TestTokenService_RejectsWrongIssuer(t *testing.T) {
	clock := newFakeClock(tokenEpoch)
	ts := newTestTokenService(clock)
	other := chequier.NewTokenService([]byte("test-signing-key-with-enough-bytes"), 24, "someone-else",
		jwt.ClaimStrings{"chequier-clients"}, chequier.WithTokenClock(clock.Now))

	token, err := other.Issue("a@x.com", time.Hour)
	require.NoError(t, err)

	_, err = ts.Verify(token)
	assert.True(t, chequier.IsKind(err, chequier.TextCodeTokenMalformed))
}

func TestTokenService_IssueRequiresSubject(t *testing.T) {
	ts := newTestTokenService(newFakeClock(tokenEpoch))
	_, err := ts.Issue("  ", time.Hour)
	assert.True(t, chequier.IsKind(err, chequier.TextCodeValidation))
}

func TestTokenService_ConcurrentVerify(t *testing.T) {
	ts := newTestTokenService(newFakeClock(tokenEpoch))
	token, err := ts.Issue("a@x.com", time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subject, err := ts.Verify(token)
			if err == nil && subject != "a@x.com" {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
