package auth

import (
	"context"
	"crypto/hmac"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// MemoryDirectory is an in-process Directory. Stored values are shared with
// callers, so mutations become visible only through Save by convention.
type MemoryDirectory[U Account] struct {
	mu    sync.RWMutex
	users map[ulid.ULID]U
	order []ulid.ULID
	otp   Hasher
}

// NewMemoryDirectory returns an empty directory. otp resolves
// ByOneTimePassword filters and must match the OTPIssuer's hasher.
func NewMemoryDirectory[U Account](otp Hasher) *MemoryDirectory[U] {
	return &MemoryDirectory[U]{
		users: make(map[ulid.ULID]U),
		otp:   otp,
	}
}

func (d *MemoryDirectory[U]) FindOne(_ context.Context, f Filter) (U, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var zero U
	var digest string
	if dg, ok := d.otp.(Digester); ok && f.OneTimePassword != nil {
		digest = dg.Digest(*f.OneTimePassword)
	}
	for _, id := range d.order {
		u := d.users[id]
		ok, err := d.matches(u.AuthUser(), f, digest)
		if err != nil {
			return zero, err
		}
		if ok {
			return u, nil
		}
	}
	return zero, ErrNotFound
}

func (d *MemoryDirectory[U]) Save(_ context.Context, u U) error {
	au := u.AuthUser()
	if au == nil || au.ID.Compare(ulid.ULID{}) == 0 {
		return oops.Code("AUTH_SAVE_FAILED").Errorf("user id cannot be zero")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, other := range d.users {
		if id == au.ID {
			continue
		}
		o := other.AuthUser()
		if o.Username == au.Username || o.Email == au.Email {
			return oops.Code("AUTH_DUPLICATE_USER").
				With("username", au.Username).
				Wrap(ErrDuplicate)
		}
	}

	if _, exists := d.users[au.ID]; !exists {
		d.order = append(d.order, au.ID)
	}
	d.users[au.ID] = u
	return nil
}

// Delete removes a user. Deleting an unknown id is a no-op.
func (d *MemoryDirectory[U]) Delete(_ context.Context, id ulid.ULID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[id]; !ok {
		return nil
	}
	delete(d.users, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of stored users.
func (d *MemoryDirectory[U]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// matches applies f to u. digest is the Digester output for the filter's
// one-time password, or empty when the hasher has to verify instead.
func (d *MemoryDirectory[U]) matches(u *User, f Filter, digest string) (bool, error) {
	if f.ID != nil && u.ID != *f.ID {
		return false, nil
	}
	if f.Username != nil && u.Username != *f.Username {
		return false, nil
	}
	if f.Email != nil && u.Email != *f.Email {
		return false, nil
	}
	if f.EmailVerified != nil && u.EmailVerified != *f.EmailVerified {
		return false, nil
	}
	if f.OneTimePassword != nil {
		if !u.HasPendingOneTimePassword() || d.otp == nil {
			return false, nil
		}
		if digest != "" {
			return hmac.Equal([]byte(digest), []byte(*u.OneTimePasswordHash)), nil
		}
		ok, err := d.otp.Verify(*f.OneTimePassword, *u.OneTimePasswordHash)
		if err != nil {
			return false, oops.Code("AUTH_FIND_FAILED").
				With("operation", "verify one-time password").
				Wrap(err)
		}
		return ok, nil
	}
	return true, nil
}
