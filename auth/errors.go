package auth

import "errors"

var (
	// ErrNotFound is returned by a Directory when no user matches a filter.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by a Directory when saving would break the
	// uniqueness of username or email.
	ErrDuplicate = errors.New("duplicate user")
)

// One-time password failures.
var (
	ErrOTPInvalid   = errors.New("invalid one-time password")
	ErrOTPExpired   = errors.New("one-time password expired")
	ErrOTPExhausted = errors.New("could not generate a unique one-time password")
)

// LoginError is the reason a credential check did not yield a user.
// The set of values is closed.
type LoginError int

const (
	UserNotFound LoginError = iota + 1
	InvalidPassword
	EmailNotVerified
)

// Error implements error.
func (e LoginError) Error() string {
	switch e {
	case UserNotFound:
		return "user not found"
	case InvalidPassword:
		return "invalid password"
	case EmailNotVerified:
		return "email not verified"
	default:
		return "unknown login error"
	}
}

// Code returns a stable machine-readable identifier, used in API payloads
// and metric labels.
func (e LoginError) Code() string {
	switch e {
	case UserNotFound:
		return "USER_NOT_FOUND"
	case InvalidPassword:
		return "INVALID_PASSWORD"
	case EmailNotVerified:
		return "EMAIL_NOT_VERIFIED"
	default:
		return "UNKNOWN"
	}
}

func (e LoginError) String() string { return e.Code() }

// AsLoginError reports whether err carries a LoginError.
func AsLoginError(err error) (LoginError, bool) {
	var le LoginError
	if errors.As(err, &le) {
		return le, true
	}
	return 0, false
}
