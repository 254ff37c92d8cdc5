package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Options configures a Service.
type Options[U Account] struct {
	Directory Directory[U]

	// PasswordHasher hashes account passwords.
	PasswordHasher Hasher

	// OTPHasher hashes one-time passwords. The codes are longer than bcrypt
	// accepts, so this is usually an Argon2idHasher.
	OTPHasher Hasher

	// NewAccount returns an empty account value for registration. It must
	// return a value whose AuthUser is non-nil.
	NewAccount func() U

	OTPLength      int
	OTPMaxAttempts int
	OTPTTL         time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// RegisterInput carries the fields of a new account.
type RegisterInput struct {
	Username        string
	Email           string
	Password        string
	PermissionLevel PermissionLevel
}

// Service bundles the authentication components over one Directory.
type Service[U Account] struct {
	users      Directory[U]
	passwords  Hasher
	newAccount func() U
	otpTTL     time.Duration
	now        func() time.Time
	logger     *slog.Logger

	verifier *CredentialVerifier[U]
	sessions *SessionManager[U]
	gate     *Gate[U]
	otp      *OTPIssuer[U]
}

// NewService validates opts and builds the components. A returned error is
// a configuration error and should stop the process.
func NewService[U Account](opts Options[U]) (*Service[U], error) {
	if opts.Directory == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("user directory is required")
	}
	if opts.PasswordHasher == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if opts.OTPHasher == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("one-time password hasher is required")
	}
	if opts.NewAccount == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("account factory is required")
	}
	if opts.NewAccount().AuthUser() == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("account factory returned an account without a user")
	}
	if opts.OTPTTL < 0 {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("one-time password ttl cannot be negative")
	}
	if opts.OTPTTL == 0 {
		opts.OTPTTL = DefaultOTPTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sessions := NewSessionManager(opts.Directory)
	return &Service[U]{
		users:      opts.Directory,
		passwords:  opts.PasswordHasher,
		newAccount: opts.NewAccount,
		otpTTL:     opts.OTPTTL,
		now:        opts.Now,
		logger:     opts.Logger,
		verifier:   NewCredentialVerifier(opts.Directory, opts.PasswordHasher),
		sessions:   sessions,
		gate:       NewGate(sessions),
		otp:        NewOTPIssuer(opts.Directory, opts.OTPHasher, opts.OTPLength, opts.OTPMaxAttempts),
	}, nil
}

func (s *Service[U]) Verifier() *CredentialVerifier[U] { return s.verifier }
func (s *Service[U]) Sessions() *SessionManager[U]     { return s.sessions }
func (s *Service[U]) Gate() *Gate[U]                   { return s.gate }
func (s *Service[U]) OTP() *OTPIssuer[U]               { return s.otp }
func (s *Service[U]) PasswordHasher() Hasher           { return s.passwords }

// CheckCredentials is CredentialVerifier.Verify.
func (s *Service[U]) CheckCredentials(ctx context.Context, login string, loginWithEmail bool, password string) (U, error) {
	return s.verifier.Verify(ctx, login, loginWithEmail, password)
}

// Login binds sess to u.
func (s *Service[U]) Login(sess SessionContext, u U) error { return s.sessions.Login(sess, u) }

// Logout clears the binding of sess.
func (s *Service[U]) Logout(sess SessionContext) error { return s.sessions.Logout(sess) }

// CurrentUser is SessionManager.LoggedInUser.
func (s *Service[U]) CurrentUser(ctx context.Context, sess SessionContext) (U, bool, error) {
	return s.sessions.LoggedInUser(ctx, sess)
}

// RequireLogin is Gate.RequireLogin.
func (s *Service[U]) RequireLogin(ctx context.Context, sess SessionContext, required PermissionLevel, onDeny DenyFunc) (U, bool) {
	return s.gate.RequireLogin(ctx, sess, required, onDeny)
}

// Register creates an unverified account carrying a fresh one-time
// password and returns it together with the plaintext code to deliver.
// The uniqueness checks here are a pre-check; the Directory is expected to
// enforce them on Save.
func (s *Service[U]) Register(ctx context.Context, in RegisterInput) (U, string, error) {
	var zero U

	email := NormalizeEmail(strings.TrimSpace(in.Email))
	if err := ValidateUsername(in.Username); err != nil {
		return zero, "", err
	}
	if err := ValidateEmail(email); err != nil {
		return zero, "", err
	}

	if err := s.ensureFree(ctx, ByUsername(in.Username), "AUTH_USERNAME_TAKEN", "username"); err != nil {
		return zero, "", err
	}
	if err := s.ensureFree(ctx, ByEmail(email), "AUTH_EMAIL_TAKEN", "email"); err != nil {
		return zero, "", err
	}

	u := s.newAccount()
	au := u.AuthUser()
	now := s.now()
	au.ID = ulid.Make()
	au.Username = in.Username
	au.SetEmail(email)
	au.EmailVerified = false
	au.PermissionLevel = in.PermissionLevel
	au.CreatedAt = now
	au.UpdatedAt = now
	if err := au.SetPassword(s.passwords, in.Password); err != nil {
		return zero, "", err
	}

	code, err := s.issue(ctx, u)
	if err != nil {
		return zero, "", err
	}

	if err := s.users.Save(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return zero, "", oops.Code("AUTH_DUPLICATE_USER").
				With("username", au.Username).
				Wrap(err)
		}
		return zero, "", oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "save user").
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "user registered",
		"user_id", au.ID.String(),
		"permission_level", au.PermissionLevel.Rank())
	return u, code, nil
}

// VerifyEmail checks code against the account registered under email and
// marks the address verified. The one-time password is cleared.
func (s *Service[U]) VerifyEmail(ctx context.Context, email, code string) (U, error) {
	var zero U

	u, err := s.users.FindOne(ctx, ByEmail(email))
	if errors.Is(err, ErrNotFound) {
		// Same answer as a wrong code so addresses cannot be enumerated.
		return zero, oops.Code("AUTH_OTP_INVALID").Wrap(ErrOTPInvalid)
	}
	if err != nil {
		return zero, oops.Code("AUTH_VERIFY_FAILED").
			With("operation", "find user").
			Wrap(err)
	}

	au := u.AuthUser()
	if au.EmailVerified {
		return zero, oops.Code("AUTH_OTP_INVALID").Wrap(ErrOTPInvalid)
	}
	if err := s.otp.Check(u, code, s.now()); err != nil {
		return zero, err
	}

	hash, expiration, updated := au.OneTimePasswordHash, au.OneTimePasswordExpiration, au.UpdatedAt
	au.EmailVerified = true
	au.OneTimePasswordHash = nil
	au.OneTimePasswordExpiration = nil
	au.UpdatedAt = s.now()
	if err := s.users.Save(ctx, u); err != nil {
		au.EmailVerified = false
		au.OneTimePasswordHash, au.OneTimePasswordExpiration, au.UpdatedAt = hash, expiration, updated
		return zero, oops.Code("AUTH_VERIFY_FAILED").
			With("operation", "save user").
			With("user_id", au.ID.String()).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "email verified", "user_id", au.ID.String())
	return u, nil
}

// ReissueOneTimePassword replaces the one-time password of an unverified
// account and returns the new plaintext code.
func (s *Service[U]) ReissueOneTimePassword(ctx context.Context, email string) (U, string, error) {
	var zero U

	u, err := s.users.FindOne(ctx, ByEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, "", oops.Code("AUTH_USER_NOT_FOUND").Wrap(err)
		}
		return zero, "", oops.Code("AUTH_REISSUE_FAILED").
			With("operation", "find user").
			Wrap(err)
	}
	au := u.AuthUser()
	if au.EmailVerified {
		return zero, "", oops.Code("AUTH_ALREADY_VERIFIED").Errorf("email already verified")
	}

	code, err := s.issue(ctx, u)
	if err != nil {
		return zero, "", err
	}
	au.UpdatedAt = s.now()
	if err := s.users.Save(ctx, u); err != nil {
		return zero, "", oops.Code("AUTH_REISSUE_FAILED").
			With("operation", "save user").
			With("user_id", au.ID.String()).
			Wrap(err)
	}
	return u, code, nil
}

// SetPermissionLevel changes the level of the user with the given id.
func (s *Service[U]) SetPermissionLevel(ctx context.Context, id ulid.ULID, level PermissionLevel) (U, error) {
	var zero U

	u, err := s.users.FindOne(ctx, ByID(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return zero, oops.Code("AUTH_USER_NOT_FOUND").With("user_id", id.String()).Wrap(err)
		}
		return zero, oops.Code("AUTH_PERMISSION_FAILED").
			With("operation", "find user").
			Wrap(err)
	}

	au := u.AuthUser()
	previous, updated := au.PermissionLevel, au.UpdatedAt
	au.PermissionLevel = level
	au.UpdatedAt = s.now()
	if err := s.users.Save(ctx, u); err != nil {
		au.PermissionLevel, au.UpdatedAt = previous, updated
		return zero, oops.Code("AUTH_PERMISSION_FAILED").
			With("operation", "save user").
			With("user_id", id.String()).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "permission level changed",
		"user_id", id.String(),
		"from", previous.Rank(),
		"to", level.Rank())
	return u, nil
}

func (s *Service[U]) issue(ctx context.Context, u U) (string, error) {
	code, err := s.otp.Generate(ctx)
	if err != nil {
		return "", err
	}
	expiresAt := s.now().Add(s.otpTTL)
	if err := s.otp.Issue(u, code, &expiresAt); err != nil {
		return "", err
	}
	return code, nil
}

func (s *Service[U]) ensureFree(ctx context.Context, f Filter, code, field string) error {
	_, err := s.users.FindOne(ctx, f)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "check "+field).
			Wrap(err)
	default:
		return oops.Code(code).Errorf("%s already taken", field)
	}
}
