package auth

import (
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username length constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 64
)

// Account is the capability every user type handled by this package must
// have. *User implements it, and so does any struct embedding User.
type Account interface {
	AuthUser() *User
}

// User holds the durable attributes of an authenticated principal.
type User struct {
	ID                        ulid.ULID
	Username                  string
	Email                     string
	PasswordHash              string
	EmailVerified             bool
	PermissionLevel           PermissionLevel
	OneTimePasswordHash       *string
	OneTimePasswordExpiration *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// AuthUser implements Account.
func (u *User) AuthUser() *User { return u }

// SetEmail stores email lower-cased.
func (u *User) SetEmail(email string) {
	u.Email = NormalizeEmail(email)
}

// SetPassword hashes plain with h and stores the hash.
func (u *User) SetPassword(h Hasher, plain string) error {
	hash, err := h.Hash(plain)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

// SetOneTimePassword hashes code with h and stores the hash. A nil code
// clears the one-time password and its expiration.
func (u *User) SetOneTimePassword(h Hasher, code *string) error {
	if code == nil {
		u.OneTimePasswordHash = nil
		u.OneTimePasswordExpiration = nil
		return nil
	}
	hash, err := h.Hash(*code)
	if err != nil {
		return err
	}
	u.OneTimePasswordHash = &hash
	return nil
}

// HasPendingOneTimePassword reports whether an OTP hash is stored.
func (u *User) HasPendingOneTimePassword() bool {
	return u.OneTimePasswordHash != nil && *u.OneTimePasswordHash != ""
}

// NormalizeEmail lower-cases an address. It is idempotent. Surrounding
// whitespace is kept, so a padded address never matches a stored one.
func NormalizeEmail(email string) string {
	return strings.ToLower(email)
}

// ValidateUsername checks length and rejects whitespace, control characters
// and '@', which marks a login as an e-mail address. Case is preserved;
// usernames are compared case-sensitively.
func ValidateUsername(username string) error {
	if username == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot be empty")
	}
	n := len([]rune(username))
	if n < MinUsernameLength || n > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("min", MinUsernameLength).
			With("max", MaxUsernameLength).
			Errorf("username must be between %d and %d characters", MinUsernameLength, MaxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot contain whitespace")
		}
		if r == '@' {
			return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot contain '@'")
		}
	}
	return nil
}

// ValidateEmail checks that email is a bare address.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return oops.Code("AUTH_INVALID_EMAIL").With("email", email).Errorf("invalid email address")
	}
	return nil
}
