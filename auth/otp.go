package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"time"

	"github.com/samber/oops"
)

// One-time password defaults.
const (
	DefaultOTPLength      = 127
	DefaultOTPMaxAttempts = 5
	DefaultOTPTTL         = 24 * time.Hour
)

const otpAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// OTPIssuer generates e-mail verification codes that are unique across the
// Directory and stores them hashed.
type OTPIssuer[U Account] struct {
	users       Directory[U]
	hasher      Hasher
	length      int
	maxAttempts int
	random      io.Reader
}

// NewOTPIssuer returns an issuer. Non-positive length or maxAttempts fall
// back to the defaults.
func NewOTPIssuer[U Account](dir Directory[U], hasher Hasher, length, maxAttempts int) *OTPIssuer[U] {
	if length <= 0 {
		length = DefaultOTPLength
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultOTPMaxAttempts
	}
	return &OTPIssuer[U]{
		users:       dir,
		hasher:      hasher,
		length:      length,
		maxAttempts: maxAttempts,
		random:      rand.Reader,
	}
}

// Generate draws codes until one is not held by any user, giving up after
// maxAttempts with ErrOTPExhausted.
func (o *OTPIssuer[U]) Generate(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		code, err := o.draw()
		if err != nil {
			return "", err
		}

		_, err = o.users.FindOne(ctx, ByOneTimePassword(code))
		if errors.Is(err, ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", oops.Code("AUTH_OTP_GENERATE_FAILED").
				With("operation", "check uniqueness").
				With("attempt", attempt).
				Wrap(err)
		}
	}
	return "", oops.Code("AUTH_OTP_EXHAUSTED").With("attempts", o.maxAttempts).Wrap(ErrOTPExhausted)
}

// Issue stores the hash of code on u with the given expiration. A nil
// expiration never expires.
func (o *OTPIssuer[U]) Issue(u U, code string, expiresAt *time.Time) error {
	au := u.AuthUser()
	if err := au.SetOneTimePassword(o.hasher, &code); err != nil {
		return oops.Code("AUTH_OTP_ISSUE_FAILED").Wrap(err)
	}
	au.OneTimePasswordExpiration = expiresAt
	return nil
}

// Check validates a presented code against u at time now.
func (o *OTPIssuer[U]) Check(u U, code string, now time.Time) error {
	au := u.AuthUser()
	if code == "" || !au.HasPendingOneTimePassword() {
		return oops.Code("AUTH_OTP_INVALID").Wrap(ErrOTPInvalid)
	}
	ok, err := o.hasher.Verify(code, *au.OneTimePasswordHash)
	if err != nil {
		return oops.Code("AUTH_OTP_CHECK_FAILED").
			With("user_id", au.ID.String()).
			Wrap(err)
	}
	if !ok {
		return oops.Code("AUTH_OTP_INVALID").Wrap(ErrOTPInvalid)
	}
	if exp := au.OneTimePasswordExpiration; exp != nil && now.After(*exp) {
		return oops.Code("AUTH_OTP_EXPIRED").Wrap(ErrOTPExpired)
	}
	return nil
}

func (o *OTPIssuer[U]) draw() (string, error) {
	size := big.NewInt(int64(len(otpAlphabet)))
	buf := make([]byte, o.length)
	for i := range buf {
		n, err := rand.Int(o.random, size)
		if err != nil {
			return "", oops.Code("AUTH_OTP_GENERATE_FAILED").
				With("operation", "read random").
				Wrap(err)
		}
		buf[i] = otpAlphabet[n.Int64()]
	}
	return string(buf), nil
}
