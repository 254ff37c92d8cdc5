package core

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/samber/oops"
)

const sessionName = "struktal_session"

const (
	sessionContextKey = "session"
	csrfTokenKey      = "csrf_token"
	csrfHeader        = "X-CSRF-Token"
)

// requestSession returns the session attached by SessionMiddleware, or nil.
func requestSession(c *gin.Context) *GorillaSession {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return nil
	}
	s, _ := v.(*GorillaSession)
	return s
}

// SessionMiddleware loads the request session and attaches it as the
// auth.SessionContext of the request. The session is written only when a
// handler changes it, so anonymous requests leave no server-side state.
func SessionMiddleware(cfg Config, store sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := store.Get(c.Request, sessionName)
		var cookieErr securecookie.Error
		if errors.As(err, &cookieErr) && cookieErr.IsDecode() && session != nil {
			// Stale or forged cookie: continue with the fresh session.
			err = nil
		}
		if err != nil {
			LogError(slog.Default(), "load session failed", err)
			respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "session error")
			c.Abort()
			return
		}
		applySessionOptions(cfg, session)
		c.Set(sessionContextKey, NewGorillaSession(session, c.Request, c.Writer))
		c.Next()
	}
}

// rotateSession empties the request session, drops its server-side copy and
// binds a fresh CSRF token to it. The caller saves it, normally through
// AuthService.Login.
func rotateSession(c *gin.Context) (*GorillaSession, error) {
	sess := requestSession(c)
	if sess == nil {
		return nil, oops.Code("SESSION_MISSING").Errorf("no session attached to request")
	}
	token, err := generateCSRFToken()
	if err != nil {
		return nil, oops.Code("CSRF_TOKEN_FAILED").Wrap(err)
	}
	if err := sess.reset(c.Request.Context()); err != nil {
		return nil, err
	}
	sess.session.Values[csrfTokenKey] = token
	c.Header(csrfHeader, token)
	return sess, nil
}

// endSession clears the request session and expires its cookie.
func endSession(c *gin.Context) error {
	sess := requestSession(c)
	if sess == nil {
		return oops.Code("SESSION_MISSING").Errorf("no session attached to request")
	}
	return sess.expire()
}

// corsPolicy is the cross-origin policy built from Config.
type corsPolicy struct {
	origins map[string]struct{}
	headers string
	methods string
	maxAge  string
}

func newCORSPolicy(cfg Config) corsPolicy {
	p := corsPolicy{
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
		headers: strings.Join(cfg.CORSAllowHeaders, ", "),
		methods: strings.Join(cfg.CORSAllowMethods, ", "),
	}
	for _, o := range cfg.AllowedOrigins {
		p.origins[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	if cfg.CORSMaxAge > 0 {
		p.maxAge = strconv.Itoa(int(cfg.CORSMaxAge.Seconds()))
	}
	return p
}

// allows accepts same-origin requests, which carry neither Origin nor Referer.
func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

func (p corsPolicy) apply(c *gin.Context, origin string, preflight bool) {
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Vary", "Origin")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Expose-Headers", csrfHeader)
	if !preflight {
		return
	}
	if p.headers != "" {
		c.Header("Access-Control-Allow-Headers", p.headers)
	}
	if p.methods != "" {
		c.Header("Access-Control-Allow-Methods", p.methods)
	}
	if p.maxAge != "" {
		c.Header("Access-Control-Max-Age", p.maxAge)
	}
}

// requestOrigin is the Origin header, or the origin of the Referer when a
// browser omitted Origin.
func requestOrigin(c *gin.Context) string {
	if origin := c.GetHeader("Origin"); origin != "" {
		return origin
	}
	if referer := c.GetHeader("Referer"); referer != "" {
		if u, err := url.Parse(referer); err == nil && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}

// CORSMiddleware rejects cross-origin requests from origins outside
// Config.AllowedOrigins and answers preflights for the allowed ones.
func CORSMiddleware(cfg Config) gin.HandlerFunc {
	policy := newCORSPolicy(cfg)
	return func(c *gin.Context) {
		origin := requestOrigin(c)
		if !policy.allows(origin) {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
			c.Abort()
			return
		}
		if origin == "" {
			c.Next()
			return
		}

		if c.Request.Method == http.MethodOptions {
			policy.apply(c, origin, true)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		policy.apply(c, origin, false)
		c.Next()
	}
}

// CSRFMiddleware checks the X-CSRF-Token header of unsafe requests against
// the token bound to the session at login. A persisted session without a
// token gets one; a new session gets none, so anonymous requests stay
// stateless and can only reach the exempt entry points.
func CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := requestSession(c)
		if sess == nil {
			respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "session error")
			c.Abort()
			return
		}

		token, _ := sess.Get(csrfTokenKey)
		if token == "" && !sess.IsNew() {
			var err error
			if token, err = generateCSRFToken(); err == nil {
				err = sess.Set(csrfTokenKey, token)
			}
			if err != nil {
				LogError(slog.Default(), "issue csrf token failed", err)
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to issue csrf token")
				c.Abort()
				return
			}
		}

		if !isSafeMethod(c.Request.Method) && !csrfExemptPath(c.Request.URL.Path) {
			header := c.GetHeader(csrfHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(header), []byte(token)) != 1 {
				respondError(c, http.StatusForbidden, "FORBIDDEN", "invalid csrf token")
				c.Abort()
				return
			}
		}

		if token != "" {
			c.Header(csrfHeader, token)
		}
		c.Next()
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// Anonymous entry points; they carry no session privileges yet.
func csrfExemptPath(path string) bool {
	switch path {
	case "/api/v1/auth/login", "/api/v1/auth/register", "/api/v1/auth/verify", "/api/v1/auth/resend":
		return true
	default:
		return false
	}
}

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func applySessionOptions(cfg Config, session *sessions.Session) {
	if session.Options == nil {
		session.Options = &sessions.Options{}
	}
	session.Options.Path = "/"
	session.Options.MaxAge = int(cfg.SessionMaxAge.Seconds())
	session.Options.HttpOnly = true
	session.Options.Secure = cfg.CookieSecure
	session.Options.SameSite = sameSiteFromString(cfg.CookieSameSite)
}

func sameSiteFromString(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}
