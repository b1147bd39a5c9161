package chequier

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountInput describes a new account.
type AccountInput struct {
	Kind        string `json:"kind"`
	Number      string `json:"number"`
	RIB         string `json:"rib,omitempty"`
	IBAN        string `json:"iban,omitempty"`
	Currency    string `json:"currency,omitempty"`
	MakeDefault bool   `json:"is_default"`
}

func (in *AccountInput) normalize() {
	in.Kind = strings.TrimSpace(in.Kind)
	in.Number = strings.TrimSpace(in.Number)
	in.RIB = strings.TrimSpace(in.RIB)
	in.IBAN = strings.TrimSpace(in.IBAN)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
}

// Validate checks the input after trimming.
func (in AccountInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Kind, validation.By(notBlank), validation.Length(0, 64)),
		validation.Field(&in.Number, validation.By(notBlank), validation.Length(0, 64)),
		validation.Field(&in.RIB, validation.Length(0, 20)),
		validation.Field(&in.IBAN, validation.Length(0, 34)),
		validation.Field(&in.Currency, validation.Length(0, 10)),
	)
}

// AccountPatch carries the fields to change on an account. Nil fields are
// left untouched. MakeDefault true performs the default swap; false is
// ignored, the default only moves through another account.
type AccountPatch struct {
	Kind        *string `json:"kind,omitempty"`
	Number      *string `json:"number,omitempty"`
	RIB         *string `json:"rib,omitempty"`
	IBAN        *string `json:"iban,omitempty"`
	Currency    *string `json:"currency,omitempty"`
	MakeDefault *bool   `json:"is_default,omitempty"`
}

func (p *AccountPatch) normalize() {
	p.Kind = trimPtr(p.Kind)
	p.Number = trimPtr(p.Number)
	p.RIB = trimPtr(p.RIB)
	p.IBAN = trimPtr(p.IBAN)
	p.Currency = trimPtr(p.Currency)
	if p.Currency != nil {
		up := strings.ToUpper(*p.Currency)
		p.Currency = &up
	}
}

// Validate checks the patch after trimming.
func (p AccountPatch) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Kind, validation.By(notBlankPtr), validation.Length(0, 64)),
		validation.Field(&p.Number, validation.By(notBlankPtr), validation.Length(0, 64)),
		validation.Field(&p.RIB, validation.Length(0, 20)),
		validation.Field(&p.IBAN, validation.Length(0, 34)),
		validation.Field(&p.Currency, validation.Length(0, 10)),
	)
}

// AccountManager owns account mutations and keeps at most one default
// account per owner.
type AccountManager struct {
	repo   RepositoryManager
	audit  auditRecorder
	logger Logger
	now    Clock
}

// AccountManagerOption customizes an AccountManager.
type AccountManagerOption func(*AccountManager)

// WithAccountClock injects a custom clock (useful for tests).
func WithAccountClock(clock Clock) AccountManagerOption {
	return func(m *AccountManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithAccountAuditSink sets the sink that receives account audit entries.
func WithAccountAuditSink(sink AuditSink) AccountManagerOption {
	return func(m *AccountManager) {
		m.audit.sink = normalizeAuditSink(sink)
	}
}

// WithAccountLogger sets the logger
func WithAccountLogger(logger Logger) AccountManagerOption {
	return func(m *AccountManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewAccountManager builds an AccountManager.
func NewAccountManager(repo RepositoryManager, opts ...AccountManagerOption) *AccountManager {
	m := &AccountManager{
		repo:   repo,
		logger: defLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.audit = newAuditRecorder(m.audit.sink, m.logger, m.now)
	return m
}

// List returns the principal's accounts, default first then newest first.
func (m *AccountManager) List(ctx context.Context, p Principal) ([]*Account, error) {
	return m.repo.Accounts().ListByOwnerTx(ctx, m.repo.DB(), p.UserID)
}

// Get returns one of the principal's accounts.
func (m *AccountManager) Get(ctx context.Context, p Principal, id uuid.UUID) (*Account, error) {
	acc, err := m.repo.Accounts().GetByIDTx(ctx, m.repo.DB(), id)
	if err != nil {
		return nil, err
	}
	if err := ownsAccount(p, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Create adds an account for the principal, optionally making it the default
// in the same unit of work.
func (m *AccountManager) Create(ctx context.Context, p Principal, in AccountInput) (*Account, error) {
	if p.UserID == uuid.Nil {
		return nil, ErrUnknownIdentity()
	}
	in.normalize()
	if err := in.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	now := m.now().UTC()
	acc := &Account{
		ID:        uuid.New(),
		OwnerID:   p.UserID,
		Kind:      in.Kind,
		Number:    in.Number,
		RIB:       in.RIB,
		IBAN:      in.IBAN,
		Currency:  in.Currency,
		IsDefault: in.MakeDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		store := m.repo.Accounts()
		taken, err := store.NumberTakenTx(ctx, tx, p.UserID, acc.Number, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return ErrConflict("account number already registered", map[string]any{"number": acc.Number})
		}

		if acc.IsDefault {
			if err := store.LockOwnerTx(ctx, tx, p.UserID); err != nil {
				return err
			}
			if err := store.ClearDefaultsTx(ctx, tx, p.UserID, acc.ID, now); err != nil {
				return err
			}
		}
		_, err = store.CreateTx(ctx, tx, acc)
		return err
	})
	if err != nil {
		return nil, AsRichError(err)
	}

	m.audit.record(ctx, principalEntry(p, AuditActionCreate, ResourceAccount, acc.ID.String(), acc.Label(),
		"account created", map[string]any{"is_default": acc.IsDefault, "kind": acc.Kind}))
	return acc, nil
}

// Update applies patch to one of the principal's accounts.
func (m *AccountManager) Update(ctx context.Context, p Principal, id uuid.UUID, patch AccountPatch) (*Account, error) {
	patch.normalize()
	if err := patch.Validate(); err != nil {
		return nil, validationFailure(err)
	}

	var acc *Account
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		store := m.repo.Accounts()
		current, err := store.GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := ownsAccount(p, current); err != nil {
			return err
		}

		if patch.Number != nil && *patch.Number != current.Number {
			taken, err := store.NumberTakenTx(ctx, tx, current.OwnerID, *patch.Number, current.ID)
			if err != nil {
				return err
			}
			if taken {
				return ErrConflict("account number already registered", map[string]any{"number": *patch.Number})
			}
		}

		now := m.now().UTC()
		applyAccountPatch(current, patch)
		current.UpdatedAt = now

		if patch.MakeDefault != nil && *patch.MakeDefault {
			if err := m.swapDefaultTx(ctx, tx, current, now); err != nil {
				return err
			}
		}

		acc, err = store.UpdateTx(ctx, tx, current, "kind", "number", "rib", "iban", "currency", "updated_at")
		return err
	})
	if err != nil {
		return nil, AsRichError(err)
	}

	m.audit.record(ctx, principalEntry(p, AuditActionUpdate, ResourceAccount, acc.ID.String(), acc.Label(),
		"account updated", map[string]any{"is_default": acc.IsDefault}))
	return acc, nil
}

// SetDefault makes id the principal's only default account. Calling it on
// the current default changes nothing.
func (m *AccountManager) SetDefault(ctx context.Context, p Principal, id uuid.UUID) (*Account, error) {
	var (
		acc     *Account
		changed bool
	)
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		store := m.repo.Accounts()
		current, err := store.GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := ownsAccount(p, current); err != nil {
			return err
		}
		acc = current
		if current.IsDefault {
			return nil
		}

		changed = true
		return m.swapDefaultTx(ctx, tx, current, m.now().UTC())
	})
	if err != nil {
		return nil, AsRichError(err)
	}

	msg := "default account set"
	if !changed {
		msg = "account already default"
	}
	m.audit.record(ctx, principalEntry(p, AuditActionSetDefault, ResourceAccount, acc.ID.String(), acc.Label(),
		msg, map[string]any{"changed": changed}))
	return acc, nil
}

// Delete removes one of the principal's accounts. Requests already bound to
// it keep their account id.
func (m *AccountManager) Delete(ctx context.Context, p Principal, id uuid.UUID) error {
	var acc *Account
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		store := m.repo.Accounts()
		current, err := store.GetByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := ownsAccount(p, current); err != nil {
			return err
		}
		acc = current
		return store.DeleteTx(ctx, tx, id)
	})
	if err != nil {
		return AsRichError(err)
	}

	m.audit.record(ctx, principalEntry(p, AuditActionDelete, ResourceAccount, acc.ID.String(), acc.Label(),
		"account deleted", map[string]any{"was_default": acc.IsDefault}))
	return nil
}

// swapDefaultTx clears every other default of the owner then flags acc.
// Both writes share tx.
func (m *AccountManager) swapDefaultTx(ctx context.Context, tx bun.IDB, acc *Account, at time.Time) error {
	store := m.repo.Accounts()
	if err := store.LockOwnerTx(ctx, tx, acc.OwnerID); err != nil {
		return err
	}
	if err := store.ClearDefaultsTx(ctx, tx, acc.OwnerID, acc.ID, at); err != nil {
		return err
	}
	if err := store.MarkDefaultTx(ctx, tx, acc.ID, at); err != nil {
		return err
	}
	acc.IsDefault = true
	acc.UpdatedAt = at
	return nil
}

func applyAccountPatch(acc *Account, patch AccountPatch) {
	if patch.Kind != nil {
		acc.Kind = *patch.Kind
	}
	if patch.Number != nil {
		acc.Number = *patch.Number
	}
	if patch.RIB != nil {
		acc.RIB = *patch.RIB
	}
	if patch.IBAN != nil {
		acc.IBAN = *patch.IBAN
	}
	if patch.Currency != nil {
		acc.Currency = *patch.Currency
	}
}

func ownsAccount(p Principal, acc *Account) error {
	if !p.Owns(acc.OwnerID) {
		return ErrForbidden("account belongs to another user", map[string]any{"account_id": acc.ID.String()})
	}
	return nil
}
