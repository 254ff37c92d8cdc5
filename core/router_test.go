package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Struktal/struktal-auth/auth"
)

type memoryMailQueue struct {
	mu   sync.Mutex
	jobs []MailJob
}

func (q *memoryMailQueue) EnqueueMail(_ context.Context, job MailJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memoryMailQueue) last(t *testing.T) MailJob {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.jobs)
	return q.jobs[len(q.jobs)-1]
}

type stubLister struct{ items []UserListItem }

func (s stubLister) List(_ context.Context, page, perPage int) ([]UserListItem, int, error) {
	return s.items, len(s.items), nil
}

type testServer struct {
	*httptest.Server
	svc  *AuthService
	dir  *auth.MemoryDirectory[*auth.User]
	mail *memoryMailQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, sessions.NewCookieStore(testSessionKey), nil)
}

func newTestServerWith(t *testing.T, store sessions.Store, configure func(*Config)) *testServer {
	t.Helper()
	svc, dir := newTestAuth(t)
	mail := &memoryMailQueue{}
	cfg := Defaults()
	cfg.SessionKey = string(testSessionKey)
	if configure != nil {
		configure(&cfg)
	}

	r := NewRouter(RouterDeps{
		Config:   cfg,
		Store:    store,
		Auth:     svc,
		Users:    stubLister{items: []UserListItem{{ID: "01J0000000000000000000000A", Username: "alice"}}},
		Mail:     mail,
		Registry: NewMetricsRegistry(),
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, svc: svc, dir: dir, mail: mail}
}

// addVerified stores a verified account with the given level.
func (s *testServer) addVerified(t *testing.T, username, password string, level auth.PermissionLevel) *auth.User {
	t.Helper()
	u := &auth.User{
		ID:              ulid.Make(),
		Username:        username,
		EmailVerified:   true,
		PermissionLevel: level,
		CreatedAt:       time.Now(),
	}
	u.SetEmail(username + "@example.com")
	require.NoError(t, u.SetPassword(s.svc.PasswordHasher(), password))
	require.NoError(t, s.dir.Save(context.Background(), u))
	return u
}

type apiClient struct {
	t    *testing.T
	base string
	http *http.Client
	csrf string
}

func (s *testServer) client(t *testing.T) *apiClient {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &apiClient{t: t, base: s.URL, http: &http.Client{Jar: jar}}
}

func (a *apiClient) do(method, path string, body any) (int, map[string]any) {
	a.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.base+path, reader)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if a.csrf != "" {
		req.Header.Set("X-CSRF-Token", a.csrf)
	}
	res, err := a.http.Do(req)
	require.NoError(a.t, err)
	defer res.Body.Close()

	if token := res.Header.Get("X-CSRF-Token"); token != "" {
		a.csrf = token
	}
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func login(t *testing.T, c *apiClient, name, password string) {
	t.Helper()
	status, body := c.do(http.MethodPost, "/api/v1/auth/login", obj{"login": name, "password": password})
	require.Equal(t, http.StatusOK, status, body)
}

type obj = map[string]any

func TestRouter_RegistrationFlow(t *testing.T) {
	srv := newTestServer(t)
	c := srv.client(t)

	status, body := c.do(http.MethodPost, "/api/v1/auth/register", obj{
		"username": "alice", "email": "Alice@Example.com", "password": "s3cret",
	})
	require.Equal(t, http.StatusCreated, status, body)
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Equal(t, false, user["email_verified"])

	job := srv.mail.last(t)
	assert.Equal(t, "alice@example.com", job.Email)
	assert.Len(t, job.Code, 32)

	status, body = c.do(http.MethodPost, "/api/v1/auth/login", obj{"login": "alice", "password": "s3cret"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "EMAIL_NOT_VERIFIED", errCode(body))

	status, body = c.do(http.MethodPost, "/api/v1/auth/verify", obj{"email": "alice@example.com", "code": "wrong"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "OTP_INVALID", errCode(body))

	status, body = c.do(http.MethodPost, "/api/v1/auth/verify", obj{"email": "alice@example.com", "code": job.Code})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["user"].(map[string]any)["email_verified"])

	status, _ = c.do(http.MethodGet, "/api/v1/users/me", nil)
	assert.Equal(t, http.StatusForbidden, status, "not logged in yet")

	status, body = c.do(http.MethodPost, "/api/v1/auth/login", obj{"login": "alice@example.com", "password": "s3cret"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = c.do(http.MethodGet, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "alice", body["user"].(map[string]any)["username"])

	status, body = c.do(http.MethodGet, "/api/v1/admin/system/status", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errCode(body))

	status, _ = c.do(http.MethodPost, "/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = c.do(http.MethodGet, "/api/v1/users/me", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestRouter_RegisterRejections(t *testing.T) {
	srv := newTestServer(t)
	srv.addVerified(t, "taken", "pw", auth.PermissionUser)
	c := srv.client(t)

	tests := []struct {
		name   string
		body   obj
		status int
		code   string
	}{
		{"bad username", obj{"username": "a b", "email": "x@example.com", "password": "pw"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad email", obj{"username": "bob", "email": "nope", "password": "pw"}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"empty password", obj{"username": "bob", "email": "bob@example.com", "password": ""}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"username taken", obj{"username": "taken", "email": "bob@example.com", "password": "pw"}, http.StatusConflict, "CONFLICT"},
		{"email taken", obj{"username": "bob", "email": "TAKEN@example.com", "password": "pw"}, http.StatusConflict, "CONFLICT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := c.do(http.MethodPost, "/api/v1/auth/register", tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, errCode(body))
		})
	}
}

func TestRouter_LoginErrors(t *testing.T) {
	srv := newTestServer(t)
	srv.addVerified(t, "bob", "hunter2", auth.PermissionUser)
	c := srv.client(t)

	status, body := c.do(http.MethodPost, "/api/v1/auth/login", obj{"login": "nobody", "password": "x"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "USER_NOT_FOUND", errCode(body))

	status, body = c.do(http.MethodPost, "/api/v1/auth/login", obj{"login": "bob", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_PASSWORD", errCode(body))

	status, body = c.do(http.MethodPost, "/api/v1/auth/login", obj{"login": "bob", "password": "hunter2", "with_email": true})
	assert.Equal(t, http.StatusNotFound, status, "username looked up as email")
	assert.Equal(t, "USER_NOT_FOUND", errCode(body))
}

func TestRouter_Resend(t *testing.T) {
	srv := newTestServer(t)
	srv.addVerified(t, "done", "pw", auth.PermissionUser)
	c := srv.client(t)

	status, _ := c.do(http.MethodPost, "/api/v1/auth/resend", obj{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusAccepted, status)
	status, _ = c.do(http.MethodPost, "/api/v1/auth/resend", obj{"email": "done@example.com"})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Empty(t, srv.mail.jobs)

	status, _ = c.do(http.MethodPost, "/api/v1/auth/register", obj{"username": "carol", "email": "carol@example.com", "password": "pw"})
	require.Equal(t, http.StatusCreated, status)
	first := srv.mail.last(t)

	status, _ = c.do(http.MethodPost, "/api/v1/auth/resend", obj{"email": "carol@example.com"})
	assert.Equal(t, http.StatusAccepted, status)
	second := srv.mail.last(t)
	assert.NotEqual(t, first.Code, second.Code)

	status, body := c.do(http.MethodPost, "/api/v1/auth/verify", obj{"email": "carol@example.com", "code": first.Code})
	assert.Equal(t, http.StatusBadRequest, status, "replaced code no longer verifies")
	assert.Equal(t, "OTP_INVALID", errCode(body))
}

func TestRouter_Admin(t *testing.T) {
	srv := newTestServer(t)
	target := srv.addVerified(t, "alice", "pw", auth.PermissionUser)
	srv.addVerified(t, "root", "rootpw", auth.PermissionAdmin)

	c := srv.client(t)
	login(t, c, "root", "rootpw")

	status, body := c.do(http.MethodGet, "/api/v1/admin/users?per_page=10", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 1, body["total_items"])
	assert.EqualValues(t, 10, body["per_page"])

	status, body = c.do(http.MethodGet, "/api/v1/admin/users?page=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errCode(body))

	status, body = c.do(http.MethodGet, "/api/v1/admin/system/status", nil)
	require.Equal(t, http.StatusOK, status, body)

	path := "/api/v1/admin/users/" + target.ID.String() + "/permission"
	status, body = c.do(http.MethodPatch, path, obj{"level": "moderator"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "moderator", body["user"].(map[string]any)["role"])

	status, body = c.do(http.MethodPatch, path, obj{"level": 75})
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 75, body["user"].(map[string]any)["permission_level"])

	status, _ = c.do(http.MethodPatch, path, obj{"level": "overlord"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = c.do(http.MethodPatch, "/api/v1/admin/users/not-an-id/permission", obj{"level": "user"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = c.do(http.MethodPatch, "/api/v1/admin/users/"+ulid.Make().String()+"/permission", obj{"level": "user"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errCode(body))

	c.csrf = "forged"
	status, body = c.do(http.MethodPatch, path, obj{"level": "admin"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errCode(body))
	stored, err := srv.dir.FindOne(context.Background(), auth.ByID(target.ID))
	require.NoError(t, err)
	assert.Equal(t, auth.PermissionLevel(75), stored.PermissionLevel)
}

func TestRouter_LoginRotatesSession(t *testing.T) {
	srv := newTestServer(t)
	srv.addVerified(t, "dave", "pw", auth.PermissionUser)
	c := srv.client(t)

	status, _ := c.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, c.csrf, "anonymous requests get no token")

	login(t, c, "dave", "pw")
	first := c.csrf
	require.NotEmpty(t, first)

	login(t, c, "dave", "pw")
	assert.NotEqual(t, first, c.csrf)

	status, _ = c.do(http.MethodGet, "/api/v1/users/me", nil)
	assert.Equal(t, http.StatusOK, status)
	fresh := c.csrf

	c.csrf = first
	status, body := c.do(http.MethodPost, "/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusForbidden, status, "token of the replaced session")
	assert.Equal(t, "FORBIDDEN", errCode(body))

	c.csrf = fresh
	status, _ = c.do(http.MethodPost, "/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestRouter_AnonymousRequestsWithoutToken(t *testing.T) {
	srv := newTestServer(t)
	c := srv.client(t)

	status, body := c.do(http.MethodPost, "/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errCode(body))

	status, _ = c.do(http.MethodPost, "/api/v1/auth/resend", obj{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusAccepted, status, "entry points are exempt")
}

func TestRouter_RedisSessions(t *testing.T) {
	mr, client := newTestRedis(t)
	srv := newTestServerWith(t, NewRedisStore(client, testSessionKey), nil)
	srv.addVerified(t, "erin", "pw", auth.PermissionUser)

	anon := srv.client(t)
	for i := 0; i < 100; i++ {
		status, _ := anon.do(http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := anon.do(http.MethodGet, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusForbidden, status)
	assert.Empty(t, mr.Keys(), "anonymous requests store nothing")

	c := srv.client(t)
	login(t, c, "erin", "pw")
	keys := mr.Keys()
	require.Len(t, keys, 1)

	login(t, c, "erin", "pw")
	rotated := mr.Keys()
	require.Len(t, rotated, 1, "old session deleted on rotation")
	assert.NotEqual(t, keys[0], rotated[0])

	status, body := c.do(http.MethodGet, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusOK, status, body)

	status, _ = c.do(http.MethodPost, "/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, mr.Keys())
}

func TestRouter_OriginCheck(t *testing.T) {
	srv := newTestServerWith(t, sessions.NewCookieStore(testSessionKey), func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://app.example/"}
		cfg.CORSAllowMethods = []string{"GET", "POST"}
		cfg.CORSMaxAge = time.Minute
	})
	send := func(method, origin, referer string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+"/healthz", nil)
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if referer != "" {
			req.Header.Set("Referer", referer)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res
	}

	res := send(http.MethodGet, "https://evil.example", "")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = send(http.MethodGet, "", "https://evil.example/page")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = send(http.MethodGet, "", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))

	res = send(http.MethodGet, "https://APP.example", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "https://APP.example", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-CSRF-Token", res.Header.Get("Access-Control-Expose-Headers"))
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Methods"))

	res = send(http.MethodOptions, "https://app.example", "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "GET, POST", res.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, X-CSRF-Token", res.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "60", res.Header.Get("Access-Control-Max-Age"))
	assert.Equal(t, "true", res.Header.Get("Access-Control-Allow-Credentials"))
}

func TestRouter_DeniedPageRequestsRedirect(t *testing.T) {
	srv := newTestServerWith(t, sessions.NewCookieStore(testSessionKey), func(cfg *Config) {
		cfg.LoginPath = "/signin"
	})
	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	get := func(accept string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/users/me", nil)
		require.NoError(t, err)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		res, err := noFollow.Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res
	}

	res := get("text/html,application/xhtml+xml,*/*;q=0.8")
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/signin", res.Header.Get("Location"))

	for _, accept := range []string{"", "application/json", "*/*"} {
		res = get(accept)
		assert.Equal(t, http.StatusForbidden, res.StatusCode, accept)
	}
}

func TestRouter_EmailLoginIsUnambiguous(t *testing.T) {
	srv := newTestServer(t)
	srv.addVerified(t, "frank", "pw", auth.PermissionUser)
	c := srv.client(t)

	status, body := c.do(http.MethodPost, "/api/v1/auth/register", obj{
		"username": "frank@example.com", "email": "other@example.com", "password": "pw",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", errCode(body))

	status, body = c.do(http.MethodPost, "/api/v1/auth/login", obj{"login": "frank@example.com", "password": "pw"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "frank", body["user"].(map[string]any)["username"])

	status, body = c.do(http.MethodPost, "/api/v1/auth/login", obj{"login": " frank@example.com", "password": "pw"})
	assert.Equal(t, http.StatusNotFound, status, "padded address is not trimmed")
	assert.Equal(t, "USER_NOT_FOUND", errCode(body))
}

func TestRouter_Metrics(t *testing.T) {
	srv := newTestServer(t)
	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRequirePermission_DenyRedirect(t *testing.T) {
	svc, _ := newTestAuth(t)
	store := sessions.NewCookieStore(testSessionKey)
	cfg := Defaults()

	r := gin.New()
	r.Use(SessionMiddleware(cfg, store))
	r.GET("/dashboard", RequirePermission(svc, auth.PermissionUser, DenyRedirect("/login")), func(c *gin.Context) {
		c.String(http.StatusOK, "secret")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	assert.NotContains(t, rec.Body.String(), "secret")
}
