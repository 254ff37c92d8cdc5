package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"

	"github.com/samber/oops"

	"github.com/Struktal/struktal-auth/auth"
)

const bootstrapAdminUsername = "admin"

// AdminChecker reports whether an administrator exists.
type AdminChecker interface {
	HasAdmin(ctx context.Context) (bool, error)
}

// BootstrapAdmin creates a verified administrator when none exists.
// It is idempotent: if an admin already exists, it does nothing.
func BootstrapAdmin(ctx context.Context, svc *AuthService, admins AdminChecker, cfg Config, logger *slog.Logger) error {
	if !cfg.BootstrapAdminEnabled {
		return nil
	}

	has, err := admins.HasAdmin(ctx)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	password, err := generatePassword(32)
	if err != nil {
		return err
	}

	u, code, err := svc.Register(ctx, auth.RegisterInput{
		Username:        bootstrapAdminUsername,
		Email:           cfg.InitialAdminEmail,
		Password:        password,
		PermissionLevel: auth.PermissionAdmin,
	})
	if err != nil {
		return oops.Code("BOOTSTRAP_ADMIN_FAILED").With("operation", "register").Wrap(err)
	}
	if _, err := svc.VerifyEmail(ctx, u.Email, code); err != nil {
		return oops.Code("BOOTSTRAP_ADMIN_FAILED").With("operation", "verify").Wrap(err)
	}

	if cfg.InitialAdminPasswordPath != "" {
		if err := os.WriteFile(cfg.InitialAdminPasswordPath, []byte(password+"\n"), 0o600); err != nil {
			return oops.Code("BOOTSTRAP_ADMIN_FAILED").
				With("path", cfg.InitialAdminPasswordPath).
				Wrap(err)
		}
		logger.Info("initial admin created", "username", u.Username, "password_file", cfg.InitialAdminPasswordPath)
	} else {
		logger.Info("initial admin created", "username", u.Username, "password", password)
	}

	return nil
}

func generatePassword(length int) (string, error) {
	if length <= 0 {
		return "", oops.Code("BOOTSTRAP_ADMIN_FAILED").Errorf("password length must be positive")
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", oops.Code("BOOTSTRAP_ADMIN_FAILED").Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:length], nil
}
