package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/oops"
)

// CredentialVerifier checks login credentials against a Directory.
// It never mutates the user.
type CredentialVerifier[U Account] struct {
	users  Directory[U]
	hasher Hasher
}

// NewCredentialVerifier returns a verifier using hasher for passwords.
func NewCredentialVerifier[U Account](dir Directory[U], hasher Hasher) *CredentialVerifier[U] {
	return &CredentialVerifier[U]{users: dir, hasher: hasher}
}

// Verify looks the user up by email (lower-cased) when loginWithEmail is
// set, by exact username otherwise. Authentication failures are returned
// as LoginError; any other error comes from the Directory or the hasher.
//
// A wrong password yields InvalidPassword whatever the verification state;
// EmailNotVerified is only reported once the password matched.
func (v *CredentialVerifier[U]) Verify(ctx context.Context, login string, loginWithEmail bool, password string) (U, error) {
	var zero U

	var f Filter
	if loginWithEmail {
		f = ByEmail(strings.ToLower(login))
	} else {
		f = ByUsername(login)
	}

	u, err := v.users.FindOne(ctx, f)
	if errors.Is(err, ErrNotFound) {
		return zero, UserNotFound
	}
	if err != nil {
		return zero, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "find user").
			Wrap(err)
	}

	au := u.AuthUser()
	ok, err := v.hasher.Verify(password, au.PasswordHash)
	if err != nil {
		return zero, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			With("user_id", au.ID.String()).
			Wrap(err)
	}
	if !ok {
		return zero, InvalidPassword
	}
	if !au.EmailVerified {
		return zero, EmailNotVerified
	}
	return u, nil
}
