package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SessionUserKey is the SessionContext entry holding the bound user id.
const SessionUserKey = "user_id"

// SessionContext is the per-visit key-value store owned by the host.
// Set and Delete must be atomic with respect to the backing storage.
type SessionContext interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MemorySession is a SessionContext kept in process memory.
type MemorySession struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemorySession returns an empty session.
func NewMemorySession() *MemorySession {
	return &MemorySession{values: make(map[string]string)}
}

func (s *MemorySession) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemorySession) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemorySession) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// SessionManager tracks which user a SessionContext is bound to.
type SessionManager[U Account] struct {
	users Directory[U]
}

// NewSessionManager returns a manager resolving users through dir.
func NewSessionManager[U Account](dir Directory[U]) *SessionManager[U] {
	return &SessionManager[U]{users: dir}
}

// Login binds sess to u, replacing any previous binding.
func (m *SessionManager[U]) Login(sess SessionContext, u U) error {
	if err := sess.Set(SessionUserKey, u.AuthUser().ID.String()); err != nil {
		return oops.Code("SESSION_LOGIN_FAILED").Wrap(err)
	}
	return nil
}

// IsLoggedIn reports whether sess holds a non-empty user binding.
func (m *SessionManager[U]) IsLoggedIn(sess SessionContext) bool {
	id, ok := sess.Get(SessionUserKey)
	return ok && id != ""
}

// LoggedInUser resolves the bound user, requiring a verified e-mail.
// A binding that no longer resolves is cleared and reported as logged out.
// Directory failures other than ErrNotFound are returned and leave the
// binding untouched.
func (m *SessionManager[U]) LoggedInUser(ctx context.Context, sess SessionContext) (U, bool, error) {
	var zero U
	raw, ok := sess.Get(SessionUserKey)
	if !ok || raw == "" {
		return zero, false, nil
	}

	id, err := ulid.ParseStrict(raw)
	if err != nil {
		return zero, false, m.Logout(sess)
	}

	u, err := m.users.FindOne(ctx, ByID(id).Verified())
	if errors.Is(err, ErrNotFound) {
		return zero, false, m.Logout(sess)
	}
	if err != nil {
		return zero, false, oops.Code("SESSION_RESOLVE_FAILED").
			With("user_id", raw).
			Wrap(err)
	}
	return u, true, nil
}

// Logout clears the binding. It is a no-op when already logged out.
func (m *SessionManager[U]) Logout(sess SessionContext) error {
	if _, ok := sess.Get(SessionUserKey); !ok {
		return nil
	}
	if err := sess.Delete(SessionUserKey); err != nil {
		return oops.Code("SESSION_LOGOUT_FAILED").Wrap(err)
	}
	return nil
}
