package core

import (
	"log/slog"

	"github.com/Struktal/struktal-auth/auth"
)

// NewAuthService wires the authentication core to dir with the hashers and
// one-time password settings from cfg.
func NewAuthService(cfg Config, dir auth.Directory[*auth.User], passwords, otp auth.Hasher, logger *slog.Logger) (*AuthService, error) {
	return auth.NewService(auth.Options[*auth.User]{
		Directory:      dir,
		PasswordHasher: passwords,
		OTPHasher:      otp,
		NewAccount:     func() *auth.User { return &auth.User{} },
		OTPLength:      cfg.OTPLength,
		OTPMaxAttempts: cfg.OTPMaxAttempts,
		OTPTTL:         cfg.OTPTTL,
		Logger:         logger,
	})
}
