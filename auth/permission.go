package auth

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
)

// PermissionLevel is an ordered rank used to gate actions.
type PermissionLevel int

// Levels used by the bundled API. Any other int is a valid level too.
const (
	PermissionUser      PermissionLevel = 0
	PermissionModerator PermissionLevel = 50
	PermissionAdmin     PermissionLevel = 100
)

// Rank returns the ordinal value of the level.
func (l PermissionLevel) Rank() int { return int(l) }

// Meets reports whether l is at least the required level.
func (l PermissionLevel) Meets(required PermissionLevel) bool {
	return l.Rank() >= required.Rank()
}

func (l PermissionLevel) String() string {
	switch l {
	case PermissionUser:
		return "user"
	case PermissionModerator:
		return "moderator"
	case PermissionAdmin:
		return "admin"
	default:
		return strconv.Itoa(int(l))
	}
}

// ParsePermissionLevel accepts a role name (user, moderator, admin) or a
// decimal rank.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "user":
		return PermissionUser, nil
	case "moderator":
		return PermissionModerator, nil
	case "admin":
		return PermissionAdmin, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, oops.Code("AUTH_INVALID_PERMISSION").
			With("value", s).
			Errorf("unknown permission level %q", s)
	}
	return PermissionLevel(n), nil
}
