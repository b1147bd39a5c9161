package chequier

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const registrationTimeout = 10 * time.Second

// RegisterInput is the registration payload
type RegisterInput struct {
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Email             string `json:"email"`
	Password          string `json:"password"`
	Role              string `json:"role,omitempty"`
	NationalID        string `json:"national_id,omitempty"`
	BankAccountNumber string `json:"bank_account_number,omitempty"`
}

func (in *RegisterInput) normalize() {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = normalizeEmail(in.Email)
	in.NationalID = strings.TrimSpace(in.NationalID)
	in.BankAccountNumber = strings.TrimSpace(in.BankAccountNumber)
	in.Role = strings.ToUpper(strings.TrimSpace(in.Role))
}

// Validate checks the payload after trimming.
func (in RegisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.FirstName, validation.Required, validation.Length(1, 255)),
		validation.Field(&in.LastName, validation.Required, validation.Length(1, 255)),
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&in.Role, validation.In(string(RoleClient), string(RoleAgent))),
		validation.Field(&in.NationalID, validation.Length(8, 8), is.Digit),
		validation.Field(&in.BankAccountNumber, validation.Length(10, 20), is.Digit),
	)
}

// ProfilePatch carries profile changes. Nil fields are left untouched.
// NewPassword requires CurrentPassword.
type ProfilePatch struct {
	FirstName         *string `json:"first_name,omitempty"`
	LastName          *string `json:"last_name,omitempty"`
	Email             *string `json:"email,omitempty"`
	NationalID        *string `json:"national_id,omitempty"`
	BankAccountNumber *string `json:"bank_account_number,omitempty"`
	CurrentPassword   *string `json:"current_password,omitempty"`
	NewPassword       *string `json:"new_password,omitempty"`
}

func (p *ProfilePatch) normalize() {
	p.FirstName = trimPtr(p.FirstName)
	p.LastName = trimPtr(p.LastName)
	if p.Email != nil {
		e := normalizeEmail(*p.Email)
		p.Email = &e
	}
	p.NationalID = trimPtr(p.NationalID)
	p.BankAccountNumber = trimPtr(p.BankAccountNumber)
}

// Validate checks the patch after trimming.
func (p ProfilePatch) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FirstName, validation.By(notBlankPtr), validation.Length(1, 255)),
		validation.Field(&p.LastName, validation.By(notBlankPtr), validation.Length(1, 255)),
		validation.Field(&p.Email, validation.By(notBlankPtr), is.Email),
		validation.Field(&p.NationalID, validation.Length(8, 8), is.Digit),
		validation.Field(&p.BankAccountNumber, validation.Length(10, 20), is.Digit),
		validation.Field(&p.NewPassword, validation.Length(8, 128)),
	)
}

// AuthResult is returned by operations that issue a token.
type AuthResult struct {
	User      *User     `json:"user"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// UserService registers, authenticates and maintains users. It also
// resolves token subjects for the AuthGate.
type UserService struct {
	repo          RepositoryManager
	tokens        TokenService
	hasher        PasswordHasher
	audit         auditRecorder
	logger        Logger
	now           Clock
	tokenTTL      time.Duration
	allowAgents   bool
	hashedUserIDs bool
}

var _ IdentityLookup = (*UserService)(nil)

// UserServiceOption customizes a UserService.
type UserServiceOption func(*UserService)

// WithUserClock injects a custom clock (useful for tests).
func WithUserClock(clock Clock) UserServiceOption {
	return func(s *UserService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithUserAuditSink sets the sink that receives auth and profile entries.
func WithUserAuditSink(sink AuditSink) UserServiceOption {
	return func(s *UserService) {
		s.audit.sink = normalizeAuditSink(sink)
	}
}

// WithUserLogger sets the logger
func WithUserLogger(logger Logger) UserServiceOption {
	return func(s *UserService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPasswordHasher overrides the bcrypt hasher.
func WithPasswordHasher(h PasswordHasher) UserServiceOption {
	return func(s *UserService) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithTokenTTL overrides the ttl of issued tokens.
func WithTokenTTL(ttl time.Duration) UserServiceOption {
	return func(s *UserService) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithAgentRegistration allows self registration with the AGENT role.
func WithAgentRegistration(allow bool) UserServiceOption {
	return func(s *UserService) {
		s.allowAgents = allow
	}
}

// WithHashedUserIDs derives user ids from the registration email.
func WithHashedUserIDs() UserServiceOption {
	return func(s *UserService) {
		s.hashedUserIDs = true
	}
}

// NewUserService builds a UserService.
func NewUserService(repo RepositoryManager, tokens TokenService, opts ...UserServiceOption) *UserService {
	s := &UserService{
		repo:   repo,
		tokens: tokens,
		hasher: NewBcryptHasher(),
		logger: defLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.audit = newAuditRecorder(s.audit.sink, s.logger, s.now)
	return s
}

// FindPrincipal implements IdentityLookup.
func (s *UserService) FindPrincipal(ctx context.Context, subject string) (Principal, error) {
	user, err := s.repo.Users().GetByEmail(ctx, subject)
	if err != nil {
		if IsKind(err, TextCodeNotFound) {
			return Principal{}, ErrUnknownIdentity()
		}
		return Principal{}, err
	}
	return user.Principal(), nil
}

// Register creates a user and issues a token for it.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	select {
	case <-ctx.Done():
		return AuthResult{}, ErrCancelled(ctx.Err(), map[string]any{"operation": "register"})
	default:
	}

	in.normalize()
	if err := in.Validate(); err != nil {
		return AuthResult{}, validationFailure(err)
	}

	role, err := ParseRole(in.Role)
	if err != nil {
		return AuthResult{}, err
	}
	if role == RoleAgent && !s.allowAgents {
		return AuthResult{}, ErrForbidden("agent accounts cannot be self registered")
	}

	hash, err := s.hasher.HashPassword(in.Password)
	if err != nil {
		return AuthResult{}, AsRichError(err)
	}

	user := &User{
		Role:              role,
		FirstName:         in.FirstName,
		LastName:          in.LastName,
		Email:             in.Email,
		NationalID:        in.NationalID,
		BankAccountNumber: in.BankAccountNumber,
		PasswordHash:      hash,
	}
	if s.hashedUserIDs {
		if id, err := hashid.NewUUID(in.Email); err == nil {
			user.ID = id
		}
	}

	ctx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.ensureUniqueTx(ctx, tx, uuid.Nil, map[string]string{
			userColumnEmail:             user.Email,
			userColumnNationalID:        user.NationalID,
			userColumnBankAccountNumber: user.BankAccountNumber,
		}); err != nil {
			return err
		}

		created, err := s.repo.Users().CreateTx(ctx, tx, user)
		if err != nil {
			return err
		}
		user = created
		return nil
	})
	if err != nil {
		rich := AsRichError(err)
		if rich.TextCode == TextCodeConflict {
			s.audit.record(ctx, AuditEntry{
				ActorIdentity: in.Email,
				ActorRole:     RoleAnonymous,
				Action:        AuditActionRegisterFailed,
				ResourceType:  ResourceAuth,
				Message:       "registration rejected",
				Payload:       map[string]any{"reason": rich.Message},
			})
		}
		return AuthResult{}, rich
	}

	result, err := s.issue(user)
	if err != nil {
		return AuthResult{}, err
	}

	s.audit.record(ctx, principalEntry(user.Principal(), AuditActionRegister, ResourceAuth, user.ID.String(),
		user.FullName(), "user registered", map[string]any{"role": user.Role}))
	return result, nil
}

// Login verifies credentials and issues a token. Failed attempts are counted
// and audited but never lock the user out.
func (s *UserService) Login(ctx context.Context, email, password string) (AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		s.loginFailed(ctx, email, "missing credentials")
		return AuthResult{}, ErrAuthentication("invalid credentials")
	}

	user, err := s.repo.Users().GetByEmail(ctx, email)
	if err != nil {
		if IsKind(err, TextCodeNotFound) {
			s.loginFailed(ctx, email, "unknown email")
			return AuthResult{}, ErrAuthentication("invalid credentials")
		}
		return AuthResult{}, AsRichError(err)
	}

	if err := s.hasher.ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		if !IsKind(err, TextCodeAuthentication) {
			s.logger.Error("password comparison failed", "user_id", user.ID, "error", err)
		}
		if terr := s.repo.Users().TrackAttemptedLoginTx(ctx, s.repo.DB(), user.ID, s.now()); terr != nil {
			s.logger.Warn("failed to track login attempt", "user_id", user.ID, "error", terr)
		}
		s.loginFailed(ctx, email, "wrong password")
		return AuthResult{}, ErrAuthentication("invalid credentials")
	}

	if err := s.repo.Users().TrackSuccessfulLoginTx(ctx, s.repo.DB(), user.ID, s.now()); err != nil {
		s.logger.Warn("failed to track successful login", "user_id", user.ID, "error", err)
	}

	result, err := s.issue(user)
	if err != nil {
		return AuthResult{}, err
	}

	s.audit.record(ctx, principalEntry(user.Principal(), AuditActionLogin, ResourceAuth, user.ID.String(),
		user.FullName(), "login succeeded", nil))
	return result, nil
}

// Logout records the logout of an authenticated principal. Tokens are
// stateless so nothing is revoked.
func (s *UserService) Logout(ctx context.Context, p Principal) {
	if p.IsZero() {
		return
	}
	s.audit.record(ctx, principalEntry(p, AuditActionLogout, ResourceAuth, p.UserID.String(), p.Identity,
		"logout", nil))
}

// Me returns the principal's profile.
func (s *UserService) Me(ctx context.Context, p Principal) (*User, error) {
	user, err := s.repo.Users().GetByID(ctx, p.UserID)
	if err != nil {
		if IsKind(err, TextCodeNotFound) {
			return nil, ErrUnknownIdentity()
		}
		return nil, err
	}
	return user, nil
}

// UpdateProfile applies patch to the principal's profile. A new token is
// issued when the email, the token subject, changes.
func (s *UserService) UpdateProfile(ctx context.Context, p Principal, patch ProfilePatch) (AuthResult, error) {
	patch.normalize()
	if err := patch.Validate(); err != nil {
		return AuthResult{}, validationFailure(err)
	}

	var (
		user    *User
		changed []string
	)
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.repo.Users().GetByIDTx(ctx, tx, p.UserID)
		if err != nil {
			if IsKind(err, TextCodeNotFound) {
				return ErrUnknownIdentity()
			}
			return err
		}

		unique := map[string]string{}
		if patch.Email != nil && *patch.Email != current.Email {
			unique[userColumnEmail] = *patch.Email
		}
		if patch.NationalID != nil && *patch.NationalID != current.NationalID {
			unique[userColumnNationalID] = *patch.NationalID
		}
		if patch.BankAccountNumber != nil && *patch.BankAccountNumber != current.BankAccountNumber {
			unique[userColumnBankAccountNumber] = *patch.BankAccountNumber
		}
		if err := s.ensureUniqueTx(ctx, tx, current.ID, unique); err != nil {
			return err
		}

		if patch.NewPassword != nil && *patch.NewPassword != "" {
			if patch.CurrentPassword == nil || *patch.CurrentPassword == "" {
				return ErrValidation("current password is required to set a new password", map[string]any{
					"fields": map[string]string{"current_password": "cannot be blank"},
				})
			}
			if err := s.hasher.ComparePasswordAndHash(*patch.CurrentPassword, current.PasswordHash); err != nil {
				if IsKind(err, TextCodeAuthentication) {
					return ErrValidation("current password is incorrect", map[string]any{
						"fields": map[string]string{"current_password": "is incorrect"},
					})
				}
				return err
			}
			hash, err := s.hasher.HashPassword(*patch.NewPassword)
			if err != nil {
				return err
			}
			current.PasswordHash = hash
			changed = append(changed, "password_hash")
		}

		changed = append(changed, applyProfilePatch(current, patch)...)
		if len(changed) == 0 {
			user = current
			return nil
		}

		user, err = s.repo.Users().UpdateProfileTx(ctx, tx, current, changed...)
		return err
	})
	if err != nil {
		return AuthResult{}, AsRichError(err)
	}

	result := AuthResult{User: user}
	if user.Email != p.Identity {
		if result, err = s.issue(user); err != nil {
			return AuthResult{}, err
		}
	}

	if len(changed) > 0 {
		s.audit.record(ctx, principalEntry(user.Principal(), AuditActionUpdateProfile, ResourceUser, user.ID.String(),
			user.FullName(), "profile updated", map[string]any{"fields": publicFields(changed)}))
	}
	return result, nil
}

func (s *UserService) ensureUniqueTx(ctx context.Context, tx bun.IDB, exclude uuid.UUID, values map[string]string) error {
	for _, column := range []string{userColumnEmail, userColumnNationalID, userColumnBankAccountNumber} {
		value, ok := values[column]
		if !ok || value == "" {
			continue
		}
		taken, err := s.repo.Users().TakenTx(ctx, tx, column, value, exclude)
		if err != nil {
			return err
		}
		if taken {
			return ErrConflict(column+" already in use", map[string]any{"field": column})
		}
	}
	return nil
}

func (s *UserService) issue(user *User) (AuthResult, error) {
	ttl := s.tokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
		if d, ok := s.tokens.(interface{ DefaultTTL() time.Duration }); ok {
			ttl = d.DefaultTTL()
		}
	}
	token, err := s.tokens.Issue(user.Email, ttl)
	if err != nil {
		return AuthResult{}, AsRichError(err)
	}
	return AuthResult{User: user, Token: token, ExpiresAt: s.now().Add(ttl)}, nil
}

func (s *UserService) loginFailed(ctx context.Context, email, reason string) {
	s.audit.record(ctx, AuditEntry{
		ActorIdentity: email,
		ActorRole:     RoleAnonymous,
		Action:        AuditActionLoginFailed,
		ResourceType:  ResourceAuth,
		Message:       "login failed",
		Payload:       map[string]any{"reason": reason},
	})
}

func applyProfilePatch(user *User, patch ProfilePatch) []string {
	changed := []string{}
	set := func(dst *string, src *string, column string) {
		if src != nil && *src != *dst {
			*dst = *src
			changed = append(changed, column)
		}
	}
	set(&user.FirstName, patch.FirstName, "first_name")
	set(&user.LastName, patch.LastName, "last_name")
	set(&user.Email, patch.Email, userColumnEmail)
	set(&user.NationalID, patch.NationalID, userColumnNationalID)
	set(&user.BankAccountNumber, patch.BankAccountNumber, userColumnBankAccountNumber)
	return changed
}

func publicFields(columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == "password_hash" {
			c = "password"
		}
		out = append(out, c)
	}
	return out
}
