package chequier

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	DB() bun.IDB
	Users() Users
	Accounts() Accounts
	Requests() Requests
	Audit() AuditEntries
}

type mngr struct {
	db       bun.IDB
	users    Users
	accounts Accounts
	requests Requests
	audit    AuditEntries
}

// NewRepositoryManager wires every store on top of db.
func NewRepositoryManager(db bun.IDB) RepositoryManager {
	return &mngr{
		db:       db,
		users:    NewUsersRepository(db),
		accounts: NewAccountsRepository(),
		requests: NewRequestsRepository(),
		audit:    NewAuditRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("repository manager requires a database")
	}
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}
	if m.accounts == nil {
		return errors.New("repository accounts should be initialized")
	}
	if m.requests == nil {
		return errors.New("repository requests should be initialized")
	}
	if m.audit == nil {
		return errors.New("repository audit should be initialized")
	}
	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) DB() bun.IDB {
	return m.db
}

func (m mngr) Users() Users {
	return m.users
}

func (m mngr) Accounts() Accounts {
	return m.accounts
}

func (m mngr) Requests() Requests {
	return m.requests
}

func (m mngr) Audit() AuditEntries {
	return m.audit
}
