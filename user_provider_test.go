package chequier_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	chequier "github.com/goliatone/go-chequier"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerInput(email string) chequier.RegisterInput {
	return chequier.RegisterInput{
		FirstName: "Amina",
		LastName:  "Client",
		Email:     email,
		Password:  "correct-horse",
	}
}

func TestUserService_Register(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := registerInput("  A@X.com ")
	in.NationalID = "12345678"
	res, err := f.users.Register(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.Equal(t, "a@x.com", res.User.Email)
	assert.Equal(t, chequier.RoleClient, res.User.Role)
	assert.NotEqual(t, "correct-horse", res.User.PasswordHash)

	subject, err := f.tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", subject)
	assert.True(t, res.ExpiresAt.Equal(tokenEpoch.Add(24*time.Hour)))

	last := f.sink.last()
	assert.Equal(t, chequier.AuditActionRegister, last.Action)
	assert.Equal(t, chequier.ResourceAuth, last.ResourceType)
	assert.Equal(t, "a@x.com", last.ActorIdentity)
}

func TestUserService_RegisterConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := registerInput("a@x.com")
	in.NationalID = "12345678"
	_, err := f.users.Register(ctx, in)
	require.NoError(t, err)

	tests := []struct {
		name  string
		in    chequier.RegisterInput
		field string
	}{
		{name: "email", in: registerInput("A@x.com"), field: "email"},
		{
			name: "national id",
			in: func() chequier.RegisterInput {
				in := registerInput("b@x.com")
				in.NationalID = "12345678"
				return in
			}(),
			field: "national_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.users.Register(ctx, tt.in)
			requireKind(t, err, chequier.TextCodeConflict)
			assert.Equal(t, tt.field, chequier.AsRichError(err).Metadata["field"])

			last := f.sink.last()
			assert.Equal(t, chequier.AuditActionRegisterFailed, last.Action)
			assert.Equal(t, chequier.RoleAnonymous, last.ActorRole)
		})
	}
}

func TestUserService_RegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*chequier.RegisterInput)
		field  string
	}{
		{name: "email", mutate: func(in *chequier.RegisterInput) { in.Email = "not-an-email" }, field: "email"},
		{name: "short password", mutate: func(in *chequier.RegisterInput) { in.Password = "short" }, field: "password"},
		{name: "first name", mutate: func(in *chequier.RegisterInput) { in.FirstName = " " }, field: "first_name"},
		{name: "national id", mutate: func(in *chequier.RegisterInput) { in.NationalID = "12ab" }, field: "national_id"},
		{name: "role", mutate: func(in *chequier.RegisterInput) { in.Role = "ADMIN" }, field: "role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := registerInput("v@x.com")
			tt.mutate(&in)
			_, err := f.users.Register(ctx, in)
			requireKind(t, err, chequier.TextCodeValidation)
			assert.Contains(t, chequier.FieldErrors(err), tt.field)
		})
	}
}

func TestUserService_RegisterCancelledContext(t *testing.T) {
	f := newFixture(t)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.users.Register(cancelled, registerInput("late@x.com"))
	requireKind(t, err, chequier.TextCodeCancelled)
	assert.Equal(t, http.StatusRequestTimeout, chequier.StatusCode(err))

	expired, stop := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer stop()
	_, err = f.users.Register(expired, registerInput("late@x.com"))
	requireKind(t, err, chequier.TextCodeTimeout)

	_, err = f.users.Login(context.Background(), "late@x.com", "correct-horse")
	requireKind(t, err, chequier.TextCodeAuthentication)
}

func TestUserService_AgentRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := registerInput("agent@x.com")
	in.Role = "agent"
	_, err := f.users.Register(ctx, in)
	requireKind(t, err, chequier.TextCodeForbidden)

	open := chequier.NewUserService(f.repo, f.tokens,
		chequier.WithAgentRegistration(true),
		chequier.WithPasswordHasher(chequier.NewBcryptHasher(4)),
		chequier.WithUserLogger(newNopLogger()),
	)
	res, err := open.Register(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, chequier.RoleAgent, res.User.Role)
}

func TestUserService_HashedUserIDs(t *testing.T) {
	f := newFixture(t)
	svc := chequier.NewUserService(f.repo, f.tokens,
		chequier.WithHashedUserIDs(),
		chequier.WithPasswordHasher(chequier.NewBcryptHasher(4)),
		chequier.WithUserLogger(newNopLogger()),
	)

	res, err := svc.Register(context.Background(), registerInput("hash@x.com"))
	require.NoError(t, err)

	want, err := hashid.NewUUID("hash@x.com")
	require.NoError(t, err)
	assert.Equal(t, want, res.User.ID)
}

func TestUserService_FailedLoginsDoNotLockOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.users.Register(ctx, registerInput("a@x.com"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := f.users.Login(ctx, "a@x.com", "wrong-password")
		requireKind(t, err, chequier.TextCodeAuthentication)
		assert.Empty(t, res.Token)
	}

	failed := 0
	for _, e := range f.sink.entries {
		if e.Action == chequier.AuditActionLoginFailed {
			failed++
			assert.Equal(t, "a@x.com", e.ActorIdentity)
			assert.Equal(t, chequier.ResourceAuth, e.ResourceType)
		}
	}
	assert.Equal(t, 3, failed)

	user, err := f.repo.Users().GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 3, user.LoginAttempts)

	res, err := f.users.Login(ctx, "A@x.com", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, chequier.AuditActionLogin, f.sink.last().Action)

	user, err = f.repo.Users().GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 0, user.LoginAttempts)
	require.NotNil(t, user.LoggedInAt)
}

func TestUserService_LoginUnknownEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.users.Login(context.Background(), "ghost@x.com", "whatever-pass")
	requireKind(t, err, chequier.TextCodeAuthentication)

	last := f.sink.last()
	assert.Equal(t, chequier.AuditActionLoginFailed, last.Action)
	assert.Equal(t, "ghost@x.com", last.ActorIdentity)
	assert.Equal(t, chequier.RoleAnonymous, last.ActorRole)
}

func TestUserService_LogoutAndMe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.users.Register(ctx, registerInput("a@x.com"))
	require.NoError(t, err)
	p := res.User.Principal()

	me, err := f.users.Me(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", me.Email)

	before := len(f.sink.actions())
	f.users.Logout(ctx, chequier.Principal{})
	assert.Len(t, f.sink.actions(), before, "anonymous logout is not audited")

	f.users.Logout(ctx, p)
	assert.Equal(t, chequier.AuditActionLogout, f.sink.last().Action)
}

func TestUserService_UpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.users.Register(ctx, registerInput("a@x.com"))
	require.NoError(t, err)
	p := res.User.Principal()

	t.Run("name change keeps the token", func(t *testing.T) {
		out, err := f.users.UpdateProfile(ctx, p, chequier.ProfilePatch{FirstName: ptr("Nadia")})
		require.NoError(t, err)
		assert.Equal(t, "Nadia", out.User.FirstName)
		assert.Empty(t, out.Token)
		assert.Equal(t, chequier.AuditActionUpdateProfile, f.sink.last().Action)
	})

	t.Run("no change is not audited", func(t *testing.T) {
		before := len(f.sink.actions())
		_, err := f.users.UpdateProfile(ctx, p, chequier.ProfilePatch{FirstName: ptr("Nadia")})
		require.NoError(t, err)
		assert.Len(t, f.sink.actions(), before)
	})

	t.Run("new password requires the current one", func(t *testing.T) {
		_, err := f.users.UpdateProfile(ctx, p, chequier.ProfilePatch{NewPassword: ptr("brand-new-pass")})
		requireKind(t, err, chequier.TextCodeValidation)

		_, err = f.users.UpdateProfile(ctx, p, chequier.ProfilePatch{
			CurrentPassword: ptr("not-it-at-all"),
			NewPassword:     ptr("brand-new-pass"),
		})
		requireKind(t, err, chequier.TextCodeValidation)
		assert.Contains(t, chequier.FieldErrors(err), "current_password")
	})

	t.Run("password change", func(t *testing.T) {
		_, err := f.users.UpdateProfile(ctx, p, chequier.ProfilePatch{
			CurrentPassword: ptr("correct-horse"),
			NewPassword:     ptr("brand-new-pass"),
		})
		require.NoError(t, err)

		_, err = f.users.Login(ctx, "a@x.com", "correct-horse")
		requireKind(t, err, chequier.TextCodeAuthentication)
		_, err = f.users.Login(ctx, "a@x.com", "brand-new-pass")
		require.NoError(t, err)
	})

	t.Run("email change issues a new token", func(t *testing.T) {
		_, err := f.users.Register(ctx, registerInput("taken@x.com"))
		require.NoError(t, err)

		_, err = f.users.UpdateProfile(ctx, p, chequier.ProfilePatch{Email: ptr("taken@x.com")})
		requireKind(t, err, chequier.TextCodeConflict)

		out, err := f.users.UpdateProfile(ctx, p, chequier.ProfilePatch{Email: ptr("new@x.com")})
		require.NoError(t, err)
		require.NotEmpty(t, out.Token)

		subject, err := f.tokens.Verify(out.Token)
		require.NoError(t, err)
		assert.Equal(t, "new@x.com", subject)

		found, err := f.users.FindPrincipal(ctx, "new@x.com")
		require.NoError(t, err)
		assert.Equal(t, p.UserID, found.UserID)

		_, err = f.users.FindPrincipal(ctx, "a@x.com")
		requireKind(t, err, chequier.TextCodeUnknownIdentity)
	})
}

func TestUserService_AuthGateIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.users.Register(ctx, registerInput("a@x.com"))
	require.NoError(t, err)

	gate := chequier.NewAuthGate(f.tokens, f.users, chequier.WithAuthGateLogger(newNopLogger()))
	p, err := gate.Authenticate(ctx, "Bearer "+res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, p.UserID)
	assert.Equal(t, chequier.RoleClient, p.Role)
}
