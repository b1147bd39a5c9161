package chequier_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	chequier "github.com/goliatone/go-chequier"
	"github.com/goliatone/go-chequier/config"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func newNopLogger() chequier.Logger {
	return nopLogger{}
}

type logCall struct {
	level   string
	message string
	args    []any
}

type captureLogger struct {
	mu    sync.Mutex
	calls []logCall
}

func (l *captureLogger) record(level, message string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, logCall{level: level, message: message, args: args})
}

func (l *captureLogger) Debug(message string, args ...any) { l.record("debug", message, args...) }
func (l *captureLogger) Info(message string, args ...any)  { l.record("info", message, args...) }
func (l *captureLogger) Warn(message string, args ...any)  { l.record("warn", message, args...) }
func (l *captureLogger) Error(message string, args ...any) { l.record("error", message, args...) }

func (l *captureLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.level == level {
			n++
		}
	}
	return n
}

type capturingSink struct {
	mu      sync.Mutex
	entries []chequier.AuditEntry
	err     error
}

func (c *capturingSink) Record(_ context.Context, entry chequier.AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return c.err
}

func (c *capturingSink) actions() []chequier.AuditAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chequier.AuditAction, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Action)
	}
	return out
}

func (c *capturingSink) last() chequier.AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return chequier.AuditEntry{}
	}
	return c.entries[len(c.entries)-1]
}

// testPersistenceConfig keeps query logging to failed statements only.
var testPersistenceConfig = config.Persistence{
	Driver:                "sqlite",
	Database:              "chequier_test",
	PingTimeoutExpression: "2s",
}

// newTestClient opens a private in memory sqlite database through the
// persistence client, with the embedded migrations registered but not run.
func newTestClient(t *testing.T) *persistence.Client {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqldb.Close() })

	client, err := chequier.NewPersistence(testPersistenceConfig, sqldb, sqlitedialect.New())
	require.NoError(t, err)
	return client
}

// newTestDB returns a migrated in memory database.
func newTestDB(t *testing.T) bun.IDB {
	t.Helper()

	client := newTestClient(t)
	require.NoError(t, client.Migrate(context.Background()))
	return client.DB()
}

type fixture struct {
	db       bun.IDB
	repo     chequier.RepositoryManager
	sink     *capturingSink
	clock    *fakeClock
	tokens   *chequier.JWTTokenService
	users    *chequier.UserService
	accounts *chequier.AccountManager
	requests *chequier.RequestLifecycle
}

func newFixture(t *testing.T, opts ...chequier.RequestLifecycleOption) *fixture {
	t.Helper()

	db := newTestDB(t)
	clock := newFakeClock(tokenEpoch)
	sink := &capturingSink{}
	repo := chequier.NewRepositoryManager(db)
	tokens := newTestTokenService(clock)

	lifecycleOpts := append([]chequier.RequestLifecycleOption{
		chequier.WithLifecycleClock(clock.Now),
		chequier.WithLifecycleAuditSink(sink),
		chequier.WithLifecycleLogger(newNopLogger()),
	}, opts...)

	return &fixture{
		db:     db,
		repo:   repo,
		sink:   sink,
		clock:  clock,
		tokens: tokens,
		users: chequier.NewUserService(repo, tokens,
			chequier.WithUserClock(clock.Now),
			chequier.WithUserAuditSink(sink),
			chequier.WithUserLogger(newNopLogger()),
			chequier.WithPasswordHasher(chequier.NewBcryptHasher(4)),
		),
		accounts: chequier.NewAccountManager(repo,
			chequier.WithAccountClock(clock.Now),
			chequier.WithAccountAuditSink(sink),
			chequier.WithAccountLogger(newNopLogger()),
		),
		requests: chequier.NewRequestLifecycle(repo, lifecycleOpts...),
	}
}

// seedUser inserts a user directly and returns its principal.
func (f *fixture) seedUser(t *testing.T, email string, role chequier.Role) chequier.Principal {
	t.Helper()

	hash, err := chequier.NewBcryptHasher(4).HashPassword("s3cret-pass")
	require.NoError(t, err)

	user, err := f.repo.Users().Create(context.Background(), &chequier.User{
		Role:         role,
		FirstName:    "Test",
		LastName:     string(role),
		Email:        email,
		PasswordHash: hash,
	})
	require.NoError(t, err)
	return user.Principal()
}

func (f *fixture) seedAccount(t *testing.T, owner chequier.Principal, number string, makeDefault bool) *chequier.Account {
	t.Helper()

	acc, err := f.accounts.Create(context.Background(), owner, chequier.AccountInput{
		Kind:        "checking",
		Number:      number,
		MakeDefault: makeDefault,
	})
	require.NoError(t, err)
	return acc
}

func (f *fixture) countDefaults(t *testing.T, owner uuid.UUID) int {
	t.Helper()
	n, err := f.repo.Accounts().CountDefaultsTx(context.Background(), f.repo.DB(), owner)
	require.NoError(t, err)
	return n
}

func requireKind(t *testing.T, err error, kind string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, chequier.ErrorKind(err), "unexpected error: %v", err)
}

func ptr[T any](v T) *T {
	return &v
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
