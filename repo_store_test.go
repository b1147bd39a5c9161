package chequier_test

import (
	"context"
	"database/sql"
	"io/fs"
	"testing"
	"time"

	chequier "github.com/goliatone/go-chequier"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/mattn/go-sqlite3"
)

func setupStores(t *testing.T) (*persistence.Client, chequier.RepositoryManager, uuid.UUID) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	require.NoError(t, err)

	client, err := chequier.NewPersistence(testPersistenceConfig, db, sqlitedialect.New())
	require.NoError(t, err)
	require.NoError(t, client.Migrate(context.Background()))

	report := client.Report()
	require.NotNil(t, report)
	require.Len(t, report.Migrations, 4)

	repo := chequier.NewRepositoryManager(client.DB())
	require.NoError(t, repo.Validate())

	user, err := repo.Users().Create(context.Background(), &chequier.User{
		FirstName:    "Store",
		LastName:     "Owner",
		Email:        " Owner@Example.com ",
		PasswordHash: "x",
	})
	require.NoError(t, err)
	require.Equal(t, "owner@example.com", user.Email)
	require.Equal(t, chequier.RoleClient, user.Role)

	return client, repo, user.ID
}

func insertAccount(t *testing.T, repo chequier.RepositoryManager, owner uuid.UUID, number string, isDefault bool) *chequier.Account {
	t.Helper()
	now := tokenEpoch
	acc, err := repo.Accounts().CreateTx(context.Background(), repo.DB(), &chequier.Account{
		OwnerID:   owner,
		Kind:      "savings",
		Number:    number,
		IsDefault: isDefault,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	return acc
}

func TestMigrateIsIdempotent(t *testing.T) {
	client, _, _ := setupStores(t)

	require.NoError(t, client.Migrate(context.Background()))
	assert.True(t, client.Report().IsZero())
}

func TestMigrateRollbackAndReapply(t *testing.T) {
	client, _, _ := setupStores(t)
	ctx := context.Background()

	tableExists := func(name string) bool {
		var n int
		err := client.DB().NewRaw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(ctx, &n)
		require.NoError(t, err)
		return n == 1
	}
	require.True(t, tableExists("accounts"))

	require.NoError(t, client.Rollback(ctx))
	for _, table := range []string{"users", "accounts", "chequebook_requests", "audit_entries"} {
		assert.False(t, tableExists(table), table)
	}

	require.NoError(t, client.Migrate(ctx))
	assert.Len(t, client.Report().Migrations, 4)
	assert.True(t, tableExists("accounts"))
}

func TestDialectMigrations(t *testing.T) {
	for _, name := range []dialect.Name{dialect.SQLite, dialect.PG} {
		migrations, err := chequier.GetDialectMigrationsFS(name)
		require.NoError(t, err)

		ups, err := fs.Glob(migrations, "*.tx.up.sql")
		require.NoError(t, err)
		downs, err := fs.Glob(migrations, "*.tx.down.sql")
		require.NoError(t, err)
		assert.Len(t, ups, 4, name.String())
		assert.Len(t, downs, 4, name.String())
	}
}

func TestAccountsStore_SingleDefaultIndex(t *testing.T) {
	_, repo, owner := setupStores(t)
	ctx := context.Background()

	insertAccount(t, repo, owner, "A-1", true)

	_, err := repo.Accounts().CreateTx(ctx, repo.DB(), &chequier.Account{
		OwnerID:   owner,
		Kind:      "savings",
		Number:    "A-2",
		IsDefault: true,
		CreatedAt: tokenEpoch,
		UpdatedAt: tokenEpoch,
	})
	requireKind(t, err, chequier.TextCodeConflict)

	n, err := repo.Accounts().CountDefaultsTx(ctx, repo.DB(), owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAccountsStore_ClearAndMarkDefault(t *testing.T) {
	_, repo, owner := setupStores(t)
	ctx := context.Background()

	a := insertAccount(t, repo, owner, "A-1", true)
	b := insertAccount(t, repo, owner, "A-2", false)
	at := tokenEpoch.Add(time.Minute)

	err := repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := repo.Accounts().ClearDefaultsTx(ctx, tx, owner, b.ID, at); err != nil {
			return err
		}
		return repo.Accounts().MarkDefaultTx(ctx, tx, b.ID, at)
	})
	require.NoError(t, err)

	list, err := repo.Accounts().ListByOwnerTx(ctx, repo.DB(), owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "default account is listed first")
	assert.True(t, list[0].IsDefault)
	assert.Equal(t, a.ID, list[1].ID)
	assert.False(t, list[1].IsDefault)

	err = repo.Accounts().MarkDefaultTx(ctx, repo.DB(), uuid.New(), at)
	requireKind(t, err, chequier.TextCodeNotFound)
}

func TestAccountsStore_NumberTaken(t *testing.T) {
	_, repo, owner := setupStores(t)
	ctx := context.Background()
	acc := insertAccount(t, repo, owner, "A-1", false)

	taken, err := repo.Accounts().NumberTakenTx(ctx, repo.DB(), owner, "A-1", uuid.Nil)
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = repo.Accounts().NumberTakenTx(ctx, repo.DB(), owner, "A-1", acc.ID)
	require.NoError(t, err)
	assert.False(t, taken)

	taken, err = repo.Accounts().NumberTakenTx(ctx, repo.DB(), uuid.New(), "A-1", uuid.Nil)
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestRequestsStore_GuardedWrites(t *testing.T) {
	_, repo, owner := setupStores(t)
	ctx := context.Background()
	acc := insertAccount(t, repo, owner, "A-1", true)

	record, err := repo.Requests().CreateTx(ctx, repo.DB(), &chequier.ChequebookRequest{
		OwnerID:       owner,
		AccountID:     acc.ID,
		RequestedDate: day(2026, time.March, 2),
		PageCount:     25,
		Status:        chequier.RequestStatusPending,
		CreatedAt:     tokenEpoch,
		UpdatedAt:     tokenEpoch,
	})
	require.NoError(t, err)

	ok, err := repo.Requests().TransitionTx(ctx, repo.DB(), record.ID, chequier.RequestStatusPending, chequier.RequestStatusApproved, tokenEpoch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Requests().TransitionTx(ctx, repo.DB(), record.ID, chequier.RequestStatusPending, chequier.RequestStatusCancelled, tokenEpoch)
	require.NoError(t, err)
	assert.False(t, ok, "a stale source status must not match")

	record.PageCount = 50
	ok, err = repo.Requests().UpdatePendingTx(ctx, repo.DB(), record, "page_count")
	require.NoError(t, err)
	assert.False(t, ok, "terminal requests are not editable")

	stored, err := repo.Requests().GetByIDTx(ctx, repo.DB(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, chequier.RequestStatusApproved, stored.Status)
	assert.Equal(t, 25, stored.PageCount)
}

func TestRequestsStore_ListFilters(t *testing.T) {
	_, repo, owner := setupStores(t)
	ctx := context.Background()
	a := insertAccount(t, repo, owner, "A-1", true)
	b := insertAccount(t, repo, owner, "A-2", false)

	for i, tc := range []struct {
		account uuid.UUID
		status  chequier.RequestStatus
	}{
		{a.ID, chequier.RequestStatusPending},
		{b.ID, chequier.RequestStatusPending},
		{a.ID, chequier.RequestStatusRejected},
	} {
		at := tokenEpoch.Add(time.Duration(i) * time.Minute)
		_, err := repo.Requests().CreateTx(ctx, repo.DB(), &chequier.ChequebookRequest{
			OwnerID:       owner,
			AccountID:     tc.account,
			RequestedDate: day(2026, time.March, 2),
			PageCount:     10,
			Status:        tc.status,
			CreatedAt:     at,
			UpdatedAt:     at,
		})
		require.NoError(t, err)
	}

	all, err := repo.Requests().ListTx(ctx, repo.DB(), chequier.RequestFilter{OwnerID: owner})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt), "newest first")

	byAccount, err := repo.Requests().ListTx(ctx, repo.DB(), chequier.RequestFilter{AccountID: a.ID})
	require.NoError(t, err)
	assert.Len(t, byAccount, 2)

	pending, err := repo.Requests().ListTx(ctx, repo.DB(), chequier.RequestFilter{Status: chequier.RequestStatusPending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].AccountID)
}

func TestUsersStore_Taken(t *testing.T) {
	_, repo, owner := setupStores(t)
	ctx := context.Background()

	taken, err := repo.Users().TakenTx(ctx, repo.DB(), "email", "owner@example.com", uuid.Nil)
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = repo.Users().TakenTx(ctx, repo.DB(), "email", "owner@example.com", owner)
	require.NoError(t, err)
	assert.False(t, taken)

	_, err = repo.Users().TakenTx(ctx, repo.DB(), "password_hash", "x", uuid.Nil)
	requireKind(t, err, chequier.TextCodeInternal)
}
