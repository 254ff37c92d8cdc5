package core

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/Struktal/struktal-auth/auth"
)

// AuthService is the authentication core over the built-in user type.
type AuthService = auth.Service[*auth.User]

// NewPasswordHasher returns the hasher named by cfg.PasswordHasher.
func NewPasswordHasher(cfg Config) auth.Hasher {
	if cfg.PasswordHasher == "argon2id" {
		return auth.NewArgon2idHasher()
	}
	return auth.NewBcryptHasher(bcrypt.DefaultCost)
}

// NewOTPHasher returns the hasher for one-time passwords. Codes are long
// CSPRNG strings, so a keyed digest is enough and lets the directory look
// them up by index.
func NewOTPHasher(cfg Config) *auth.HMACHasher {
	return auth.NewHMACHasher([]byte(cfg.otpHashKey()))
}
