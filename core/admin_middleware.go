package core

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Struktal/struktal-auth/auth"
)

const userContextKey = "user"

// DenyHandler writes the response for a request the gate rejected.
type DenyHandler func(c *gin.Context)

// DenyJSON answers 403 without telling a missing session from a low level.
func DenyJSON(c *gin.Context) {
	respondError(c, http.StatusForbidden, "FORBIDDEN", "permission denied")
}

// DenyRedirect sends browsers to path.
func DenyRedirect(path string) DenyHandler {
	return func(c *gin.Context) {
		c.Redirect(http.StatusFound, path)
	}
}

// DenyByAccept redirects clients that prefer HTML to loginPath and answers
// API clients with DenyJSON.
func DenyByAccept(loginPath string) DenyHandler {
	redirect := DenyRedirect(loginPath)
	return func(c *gin.Context) {
		if c.NegotiateFormat(gin.MIMEJSON, gin.MIMEHTML) == gin.MIMEHTML {
			redirect(c)
			return
		}
		DenyJSON(c)
	}
}

// RequirePermission lets the request through only for a logged-in user
// whose level meets required. The user is stored for currentUser.
func RequirePermission(svc *AuthService, required auth.PermissionLevel, deny DenyHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		onDeny := func() {
			recordGateDenial(required.String())
			deny(c)
		}

		sess := requestSession(c)
		if sess == nil {
			onDeny()
			c.Abort()
			return
		}
		u, ok := svc.RequireLogin(c.Request.Context(), sess, required, onDeny)
		if !ok {
			c.Abort()
			return
		}
		c.Set(userContextKey, u)
		c.Next()
	}
}

// AdminOnly is RequirePermission at PermissionAdmin answering JSON.
func AdminOnly(svc *AuthService) gin.HandlerFunc {
	return RequirePermission(svc, auth.PermissionAdmin, DenyJSON)
}

func currentUser(c *gin.Context) *auth.User {
	v, _ := c.Get(userContextKey)
	u, _ := v.(*auth.User)
	return u
}
