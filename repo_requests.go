package chequier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RequestFilter narrows request listings. Zero values match everything.
type RequestFilter struct {
	OwnerID   uuid.UUID
	AccountID uuid.UUID
	Status    RequestStatus
	Limit     int
	Offset    int
}

// Requests is the chequebook request store
type Requests interface {
	CreateTx(ctx context.Context, tx bun.IDB, record *ChequebookRequest) (*ChequebookRequest, error)
	GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*ChequebookRequest, error)
	ListTx(ctx context.Context, tx bun.IDB, filter RequestFilter) ([]*ChequebookRequest, error)
	UpdatePendingTx(ctx context.Context, tx bun.IDB, record *ChequebookRequest, columns ...string) (bool, error)
	TransitionTx(ctx context.Context, tx bun.IDB, id uuid.UUID, from, to RequestStatus, at time.Time) (bool, error)
	DeleteTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
}

type requests struct{}

var _ Requests = requests{}

// NewRequestsRepository returns the bun backed request store.
func NewRequestsRepository() Requests {
	return requests{}
}

func (requests) CreateTx(ctx context.Context, tx bun.IDB, record *ChequebookRequest) (*ChequebookRequest, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, ErrInternal(err, map[string]any{"operation": "create chequebook request"})
	}
	return record, nil
}

func (requests) GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*ChequebookRequest, error) {
	record := &ChequebookRequest{}
	q := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1)
	if isPostgres(tx) {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound("chequebook request not found", map[string]any{"id": id.String()})
		}
		return nil, ErrInternal(err, map[string]any{"operation": "get chequebook request"})
	}
	return record, nil
}

func (requests) ListTx(ctx context.Context, tx bun.IDB, filter RequestFilter) ([]*ChequebookRequest, error) {
	records := []*ChequebookRequest{}
	q := tx.NewSelect().Model(&records)
	if filter.OwnerID != uuid.Nil {
		q = q.Where("?TableAlias.owner_id = ?", filter.OwnerID)
	}
	if filter.AccountID != uuid.Nil {
		q = q.Where("?TableAlias.account_id = ?", filter.AccountID)
	}
	if filter.Status != "" {
		q = q.Where("?TableAlias.status = ?", filter.Status)
	}
	q = q.OrderExpr("?TableAlias.created_at DESC").OrderExpr("?TableAlias.id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, ErrInternal(err, map[string]any{"operation": "list chequebook requests"})
	}
	return records, nil
}

// UpdatePendingTx writes columns only while the stored row is still PENDING.
// It reports false when the guard rejected the write.
func (requests) UpdatePendingTx(ctx context.Context, tx bun.IDB, record *ChequebookRequest, columns ...string) (bool, error) {
	columns = append(columns, "updated_at")
	res, err := tx.NewUpdate().
		Model(record).
		Column(columns...).
		Where("id = ?", record.ID).
		Where("status = ?", RequestStatusPending).
		Exec(ctx)
	if err != nil {
		return false, ErrInternal(err, map[string]any{"operation": "update chequebook request"})
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TransitionTx moves id from one status to another. It reports false when
// the stored status was not from.
func (requests) TransitionTx(ctx context.Context, tx bun.IDB, id uuid.UUID, from, to RequestStatus, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*ChequebookRequest)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, ErrInternal(err, map[string]any{"operation": "transition chequebook request"})
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (requests) DeleteTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	res, err := tx.NewDelete().Model((*ChequebookRequest)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return ErrInternal(err, map[string]any{"operation": "delete chequebook request"})
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound("chequebook request not found", map[string]any{"id": id.String()})
	}
	return nil
}
