package auth

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// Filter selects users in a Directory. Nil fields are not constrained;
// set fields are combined with AND.
type Filter struct {
	ID            *ulid.ULID
	Username      *string
	Email         *string
	EmailVerified *bool

	// OneTimePassword is a plaintext code. It matches users whose stored
	// OTP hash verifies against it, expired or not.
	OneTimePassword *string
}

// ByID selects a user by id.
func ByID(id ulid.ULID) Filter { return Filter{ID: &id} }

// ByUsername selects a user by exact username.
func ByUsername(username string) Filter { return Filter{Username: &username} }

// ByEmail selects a user by email. The address is normalized first.
func ByEmail(email string) Filter {
	e := NormalizeEmail(email)
	return Filter{Email: &e}
}

// ByOneTimePassword selects the user holding the given plaintext code.
func ByOneTimePassword(code string) Filter { return Filter{OneTimePassword: &code} }

// Verified returns a copy of f that also requires EmailVerified.
func (f Filter) Verified() Filter {
	v := true
	f.EmailVerified = &v
	return f
}

// Directory is the user persistence collaborator.
type Directory[U Account] interface {
	// FindOne returns the first user matching f or ErrNotFound.
	FindOne(ctx context.Context, f Filter) (U, error)

	// Save inserts or updates u. Implementations return ErrDuplicate when
	// username or email is already taken by another user.
	Save(ctx context.Context, u U) error
}
