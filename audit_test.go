package chequier_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	chequier "github.com/goliatone/go-chequier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(action chequier.AuditAction) chequier.AuditEntry {
	return chequier.AuditEntry{
		ActorIdentity: "a@x.com",
		ActorRole:     chequier.RoleClient,
		Action:        action,
		ResourceType:  chequier.ResourceAccount,
		ResourceID:    "acc-1",
		Message:       "test entry",
		OccurredAt:    tokenEpoch,
	}
}

func TestMultiAuditSink_JoinsErrors(t *testing.T) {
	ok := &capturingSink{}
	broken := &capturingSink{err: errors.New("disk full")}

	err := chequier.MultiAuditSink{ok, nil, broken}.Record(context.Background(), sampleEntry(chequier.AuditActionCreate))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, ok.entries, 1)
	assert.Len(t, broken.entries, 1)
}

func TestAuditRecorder_PanickingSinkIsContained(t *testing.T) {
	f := newFixture(t)
	owner := f.seedUser(t, "a@x.com", chequier.RoleClient)
	logger := &captureLogger{}

	manager := chequier.NewAccountManager(f.repo,
		chequier.WithAccountLogger(logger),
		chequier.WithAccountAuditSink(chequier.AuditSinkFunc(func(context.Context, chequier.AuditEntry) error {
			panic("boom")
		})),
	)

	_, err := manager.Create(context.Background(), owner, chequier.AccountInput{Kind: "checking", Number: "A-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, logger.count("error"))
}

func TestStoreAuditSink(t *testing.T) {
	db := newTestDB(t)
	store := chequier.NewAuditRepository(db)
	sink := chequier.NewStoreAuditSink(store)
	ctx := context.Background()

	entry := sampleEntry(chequier.AuditActionSetDefault)
	entry.Payload = map[string]any{"changed": true}
	require.NoError(t, sink.Record(ctx, entry))

	other := sampleEntry(chequier.AuditActionDelete)
	other.ActorIdentity = "b@x.com"
	require.NoError(t, sink.Record(ctx, other))

	bad := sampleEntry("EXPLODE")
	requireKind(t, sink.Record(ctx, bad), chequier.TextCodeValidation)

	mine, err := store.ListByActor(ctx, "a@x.com", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, string(chequier.AuditActionSetDefault), mine[0].Action)
	assert.Equal(t, true, mine[0].Payload["changed"])

	byResource, err := store.ListByResource(ctx, chequier.ResourceAccount, "acc-1", 0)
	require.NoError(t, err)
	assert.Len(t, byResource, 2)
}

func TestAsyncAuditSink_DrainsOnClose(t *testing.T) {
	inner := &capturingSink{}
	sink := chequier.NewAsyncAuditSink(inner, chequier.WithAuditQueueLogger(newNopLogger()))

	for i := 0; i < 20; i++ {
		require.NoError(t, sink.Record(context.Background(), sampleEntry(chequier.AuditActionUpdate)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))

	assert.Len(t, inner.actions(), 20)
	assert.Zero(t, sink.Dropped())

	requireKind(t, sink.Record(context.Background(), sampleEntry(chequier.AuditActionUpdate)), chequier.TextCodeInvalidState)
}

func TestAsyncAuditSink_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	inner := chequier.AuditSinkFunc(func(context.Context, chequier.AuditEntry) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	logger := &captureLogger{}
	sink := chequier.NewAsyncAuditSink(inner,
		chequier.WithAuditQueueSize(1),
		chequier.WithAuditQueueLogger(logger),
	)

	require.NoError(t, sink.Record(context.Background(), sampleEntry(chequier.AuditActionCreate)))
	<-started

	require.NoError(t, sink.Record(context.Background(), sampleEntry(chequier.AuditActionCreate)))
	require.NoError(t, sink.Record(context.Background(), sampleEntry(chequier.AuditActionCreate)))
	assert.Equal(t, uint64(1), sink.Dropped())
	assert.Equal(t, 1, logger.count("warn"))

	close(release)
	require.NoError(t, sink.Close(context.Background()))
}

func TestAsyncAuditSink_WriterErrorsAreLogged(t *testing.T) {
	logger := &captureLogger{}
	sink := chequier.NewAsyncAuditSink(&capturingSink{err: errors.New("db down")},
		chequier.WithAuditQueueLogger(logger),
	)

	require.NoError(t, sink.Record(context.Background(), sampleEntry(chequier.AuditActionCreate)))
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, 1, logger.count("warn"))
}

func TestLoggerAuditSink(t *testing.T) {
	logger := &captureLogger{}
	require.NoError(t, chequier.LoggerAuditSink(logger).Record(context.Background(), sampleEntry(chequier.AuditActionLogin)))
	assert.Equal(t, 1, logger.count("info"))
}
