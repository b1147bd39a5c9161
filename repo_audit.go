package chequier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DefaultAuditPageSize is the number of entries returned by audit reads.
const DefaultAuditPageSize = 100

// AuditEntries is the append-only audit store
type AuditEntries interface {
	Append(ctx context.Context, record *AuditRecord) error
	ListByActor(ctx context.Context, actor string, limit int) ([]*AuditRecord, error)
	ListByResource(ctx context.Context, resource ResourceType, resourceID string, limit int) ([]*AuditRecord, error)
}

type auditEntries struct {
	db bun.IDB
}

var _ AuditEntries = (*auditEntries)(nil)

// NewAuditRepository returns an audit store writing through db. It never
// joins a caller transaction.
func NewAuditRepository(db bun.IDB) AuditEntries {
	return &auditEntries{db: db}
}

func (a *auditEntries) Append(ctx context.Context, record *AuditRecord) error {
	if _, err := a.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return ErrInternal(err, map[string]any{"operation": "append audit entry"})
	}
	return nil
}

func (a *auditEntries) ListByActor(ctx context.Context, actor string, limit int) ([]*AuditRecord, error) {
	records := []*AuditRecord{}
	err := a.db.NewSelect().
		Model(&records).
		Where("?TableAlias.actor_identity = ?", actor).
		OrderExpr("?TableAlias.occurred_at DESC").
		Limit(pageSize(limit)).
		Scan(ctx)
	if err != nil {
		return nil, ErrInternal(err, map[string]any{"operation": "list audit entries by actor"})
	}
	return records, nil
}

func (a *auditEntries) ListByResource(ctx context.Context, resource ResourceType, resourceID string, limit int) ([]*AuditRecord, error) {
	records := []*AuditRecord{}
	err := a.db.NewSelect().
		Model(&records).
		Where("?TableAlias.resource_type = ?", string(resource)).
		Where("?TableAlias.resource_id = ?", resourceID).
		OrderExpr("?TableAlias.occurred_at DESC").
		Limit(pageSize(limit)).
		Scan(ctx)
	if err != nil {
		return nil, ErrInternal(err, map[string]any{"operation": "list audit entries by resource"})
	}
	return records, nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > DefaultAuditPageSize {
		return DefaultAuditPageSize
	}
	return limit
}

// StoreAuditSink persists entries through an AuditEntries store.
type StoreAuditSink struct {
	store AuditEntries
}

// NewStoreAuditSink returns a synchronous sink backed by store.
func NewStoreAuditSink(store AuditEntries) *StoreAuditSink {
	return &StoreAuditSink{store: store}
}

// Record implements AuditSink.
func (s *StoreAuditSink) Record(ctx context.Context, entry AuditEntry) error {
	if !entry.Action.IsValid() {
		return ErrValidation("unknown audit action", map[string]any{"action": entry.Action})
	}
	if !entry.ResourceType.IsValid() {
		return ErrValidation("unknown audit resource type", map[string]any{"resource_type": entry.ResourceType})
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	return s.store.Append(ctx, auditRecordFromEntry(entry))
}
