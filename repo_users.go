package chequier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Unique user columns checked before writes.
const (
	userColumnEmail             = "email"
	userColumnNationalID        = "national_id"
	userColumnBankAccountNumber = "bank_account_number"
)

// Users is the user store
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	Create(ctx context.Context, record *User) (*User, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *User) (*User, error)
	TakenTx(ctx context.Context, tx bun.IDB, column, value string, exclude uuid.UUID) (bool, error)
	UpdateProfileTx(ctx context.Context, tx bun.IDB, record *User, columns ...string) (*User, error)
	TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
	TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
}

type users struct {
	repo repository.Repository[*User]
	db   bun.IDB
}

var _ Users = (*users)(nil)

// NewUsersRepository returns the bun backed user store.
func NewUsersRepository(db bun.IDB) Users {
	repo := repository.NewRepository[*User](db, repository.ModelHandlers[*User]{
		NewRecord: func() *User { return &User{} },
		GetID: func(u *User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return userColumnEmail
		},
	})

	return &users{repo: repo, db: db}
}

func (u *users) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return u.GetByIDTx(ctx, u.db, id)
}

func (u *users) GetByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	record := &User{}
	err := tx.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound("user not found", map[string]any{"id": id.String()})
		}
		return nil, ErrInternal(err, map[string]any{"operation": "get user"})
	}
	return record, nil
}

func (u *users) GetByEmail(ctx context.Context, email string) (*User, error) {
	return u.GetByEmailTx(ctx, u.db, email)
}

func (u *users) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	record, err := u.repo.GetByIdentifierTx(ctx, tx, normalizeEmail(email))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound("user not found", map[string]any{"email": email})
		}
		return nil, ErrInternal(err, map[string]any{"operation": "get user by email"})
	}
	return record, nil
}

func (u *users) Create(ctx context.Context, record *User) (*User, error) {
	return u.CreateTx(ctx, u.db, record)
}

func (u *users) CreateTx(ctx context.Context, tx bun.IDB, record *User) (*User, error) {
	prepareUserDefaults(record)
	created, err := u.repo.CreateTx(ctx, tx, record)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict("user already exists", map[string]any{"email": record.Email})
		}
		return nil, ErrInternal(err, map[string]any{"operation": "create user"})
	}
	return created, nil
}

// TakenTx reports whether another user than exclude already uses value for
// one of the unique columns.
func (u *users) TakenTx(ctx context.Context, tx bun.IDB, column, value string, exclude uuid.UUID) (bool, error) {
	switch column {
	case userColumnEmail, userColumnNationalID, userColumnBankAccountNumber:
	default:
		return false, ErrInternal(fmt.Errorf("column %q is not a unique user column", column))
	}
	if strings.TrimSpace(value) == "" {
		return false, nil
	}

	q := tx.NewSelect().Model((*User)(nil)).Where("?TableAlias.? = ?", bun.Ident(column), value)
	if exclude != uuid.Nil {
		q = q.Where("?TableAlias.id != ?", exclude)
	}
	exists, err := q.Exists(ctx)
	if err != nil {
		return false, ErrInternal(err, map[string]any{"operation": "check unique user column", "column": column})
	}
	return exists, nil
}

func (u *users) UpdateProfileTx(ctx context.Context, tx bun.IDB, record *User, columns ...string) (*User, error) {
	if len(columns) == 0 {
		return record, nil
	}
	now := time.Now().UTC()
	record.UpdatedAt = &now
	columns = append(columns, "updated_at")

	_, err := tx.NewUpdate().Model(record).Column(columns...).Where("id = ?", record.ID).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict("profile conflicts with another user")
		}
		return nil, ErrInternal(err, map[string]any{"operation": "update user"})
	}
	return record, nil
}

func (u *users) TrackAttemptedLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("login_attempts = login_attempts + 1").
		Set("login_attempt_at = ?", at.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return ErrInternal(err, map[string]any{"operation": "track attempted login"})
	}
	return nil
}

func (u *users) TrackSuccessfulLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*User)(nil)).
		Set("loggedin_at = ?", at.UTC()).
		Set("login_attempt_at = NULL").
		Set("login_attempts = 0").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return ErrInternal(err, map[string]any{"operation": "track successful login"})
	}
	return nil
}

func prepareUserDefaults(record *User) {
	if record == nil {
		return
	}
	if record.Role == "" {
		record.Role = RoleClient
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.Email = normalizeEmail(record.Email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err)
}
