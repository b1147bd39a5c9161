package chequier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// Accounts is the account store
type Accounts interface {
	ListByOwnerTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID) ([]*Account, error)
	GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *Account) (*Account, error)
	UpdateTx(ctx context.Context, tx bun.IDB, record *Account, columns ...string) (*Account, error)
	DeleteTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
	NumberTakenTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID, number string, exclude uuid.UUID) (bool, error)
	LockOwnerTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID) error
	ClearDefaultsTx(ctx context.Context, tx bun.IDB, ownerID, except uuid.UUID, at time.Time) error
	MarkDefaultTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
	CountDefaultsTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID) (int, error)
}

type accounts struct{}

var _ Accounts = accounts{}

// NewAccountsRepository returns the bun backed account store.
func NewAccountsRepository() Accounts {
	return accounts{}
}

func (accounts) ListByOwnerTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID) ([]*Account, error) {
	records := []*Account{}
	err := tx.NewSelect().
		Model(&records).
		Where("?TableAlias.owner_id = ?", ownerID).
		OrderExpr("?TableAlias.is_default DESC").
		OrderExpr("?TableAlias.created_at DESC").
		OrderExpr("?TableAlias.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, ErrInternal(err, map[string]any{"operation": "list accounts"})
	}
	return records, nil
}

func (accounts) GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error) {
	record := &Account{}
	q := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1)
	if isPostgres(tx) {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound("account not found", map[string]any{"id": id.String()})
		}
		return nil, ErrInternal(err, map[string]any{"operation": "get account"})
	}
	return record, nil
}

func (accounts) CreateTx(ctx context.Context, tx bun.IDB, record *Account) (*Account, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict("account already exists", map[string]any{"number": record.Number})
		}
		return nil, ErrInternal(err, map[string]any{"operation": "create account"})
	}
	return record, nil
}

func (accounts) UpdateTx(ctx context.Context, tx bun.IDB, record *Account, columns ...string) (*Account, error) {
	q := tx.NewUpdate().Model(record).Where("id = ?", record.ID)
	if len(columns) > 0 {
		q = q.Column(columns...)
	} else {
		q = q.ExcludeColumn("id", "owner_id", "created_at")
	}
	res, err := q.Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict("account already exists", map[string]any{"number": record.Number})
		}
		return nil, ErrInternal(err, map[string]any{"operation": "update account"})
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound("account not found", map[string]any{"id": record.ID.String()})
	}
	return record, nil
}

func (accounts) DeleteTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	res, err := tx.NewDelete().Model((*Account)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return ErrInternal(err, map[string]any{"operation": "delete account"})
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("account not found", map[string]any{"id": id.String()})
	}
	return nil
}

func (accounts) NumberTakenTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID, number string, exclude uuid.UUID) (bool, error) {
	q := tx.NewSelect().Model((*Account)(nil)).
		Where("?TableAlias.owner_id = ?", ownerID).
		Where("?TableAlias.number = ?", number)
	if exclude != uuid.Nil {
		q = q.Where("?TableAlias.id != ?", exclude)
	}
	exists, err := q.Exists(ctx)
	if err != nil {
		return false, ErrInternal(err, map[string]any{"operation": "check account number"})
	}
	return exists, nil
}

// LockOwnerTx serializes default swaps for one owner. On postgres it takes a
// row lock on the owner; sqlite serializes writers at the database level.
func (accounts) LockOwnerTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID) error {
	if !isPostgres(tx) {
		return nil
	}
	var id uuid.UUID
	err := tx.NewSelect().
		Model((*User)(nil)).
		Column("id").
		Where("?TableAlias.id = ?", ownerID).
		For("UPDATE").
		Scan(ctx, &id)
	if err != nil {
		if isNoRows(err) {
			return ErrNotFound("owner not found", map[string]any{"owner_id": ownerID.String()})
		}
		return ErrInternal(err, map[string]any{"operation": "lock owner"})
	}
	return nil
}

func (accounts) ClearDefaultsTx(ctx context.Context, tx bun.IDB, ownerID, except uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("is_default = ?", false).
		Set("updated_at = ?", at.UTC()).
		Where("owner_id = ?", ownerID).
		Where("is_default = ?", true).
		Where("id != ?", except).
		Exec(ctx)
	if err != nil {
		return ErrInternal(err, map[string]any{"operation": "clear default accounts"})
	}
	return nil
}

func (accounts) MarkDefaultTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("is_default = ?", true).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict("owner already has a default account")
		}
		return ErrInternal(err, map[string]any{"operation": "mark default account"})
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("account not found", map[string]any{"id": id.String()})
	}
	return nil
}

func (accounts) CountDefaultsTx(ctx context.Context, tx bun.IDB, ownerID uuid.UUID) (int, error) {
	n, err := tx.NewSelect().
		Model((*Account)(nil)).
		Where("?TableAlias.owner_id = ?", ownerID).
		Where("?TableAlias.is_default = ?", true).
		Count(ctx)
	if err != nil {
		return 0, ErrInternal(err, map[string]any{"operation": "count default accounts"})
	}
	return n, nil
}

func isPostgres(db bun.IDB) bool {
	return db.Dialect().Name() == dialect.PG
}
