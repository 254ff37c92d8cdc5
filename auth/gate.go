package auth

import "context"

// DenyFunc is invoked once when the Gate rejects a request. It carries no
// reason so that callers cannot tell a missing session from an
// insufficient permission level.
type DenyFunc func()

// Gate authorizes actions by minimum permission level.
type Gate[U Account] struct {
	sessions *SessionManager[U]
}

// NewGate returns a gate resolving users through sessions.
func NewGate[U Account](sessions *SessionManager[U]) *Gate[U] {
	return &Gate[U]{sessions: sessions}
}

// RequireLogin returns the logged-in user when its level meets required.
// Otherwise onDeny is called exactly once and ok is false; the caller must
// stop processing the request.
func (g *Gate[U]) RequireLogin(ctx context.Context, sess SessionContext, required PermissionLevel, onDeny DenyFunc) (user U, ok bool) {
	u, found, err := g.sessions.LoggedInUser(ctx, sess)
	if err != nil || !found || !u.AuthUser().PermissionLevel.Meets(required) {
		if onDeny != nil {
			onDeny()
		}
		var zero U
		return zero, false
	}
	return u, true
}
