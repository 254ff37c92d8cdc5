package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Struktal/struktal-auth/auth"
)

var cheapArgon2 = auth.Argon2Params{Time: 1, Memory: 64, Threads: 1, SaltLen: 16, KeyLen: 32}

func testHashers() (passwords, otps auth.Hasher) {
	return auth.NewBcryptHasher(bcrypt.MinCost), auth.NewHMACHasher([]byte("test-otp-key-0123456789"))
}

type fixture struct {
	svc   *auth.Service[*auth.User]
	dir   *auth.MemoryDirectory[*auth.User]
	pw    auth.Hasher
	otp   auth.Hasher
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pw, otp := testHashers()
	dir := auth.NewMemoryDirectory[*auth.User](otp)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f := &fixture{dir: dir, pw: pw, otp: otp, clock: &now}

	svc, err := auth.NewService(auth.Options[*auth.User]{
		Directory:      dir,
		PasswordHasher: pw,
		OTPHasher:      otp,
		NewAccount:     func() *auth.User { return &auth.User{} },
		OTPLength:      32,
		OTPTTL:         time.Hour,
		Now:            func() time.Time { return *f.clock },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func (f *fixture) addUser(t *testing.T, username, email, password string, verified bool, level auth.PermissionLevel) *auth.User {
	t.Helper()
	u := &auth.User{
		ID:              ulid.Make(),
		Username:        username,
		EmailVerified:   verified,
		PermissionLevel: level,
	}
	u.SetEmail(email)
	require.NoError(t, u.SetPassword(f.pw, password))
	require.NoError(t, f.dir.Save(context.Background(), u))
	return u
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) FindOne(ctx context.Context, f auth.Filter) (*auth.User, error) {
	args := m.Called(ctx, f)
	u, _ := args.Get(0).(*auth.User)
	return u, args.Error(1)
}

func (m *mockDirectory) Save(ctx context.Context, u *auth.User) error {
	return m.Called(ctx, u).Error(0)
}
