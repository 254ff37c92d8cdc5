package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Struktal/struktal-auth/auth"
)

// UserLister pages through users for the admin listing.
type UserLister interface {
	List(ctx context.Context, page, perPage int) ([]UserListItem, int, error)
}

// RouterDeps carries the collaborators of NewRouter. Users, Stats, Mail,
// Metrics and Registry are optional.
type RouterDeps struct {
	Config   Config
	Store    sessions.Store
	Auth     *AuthService
	Users    UserLister
	Stats    UserCounter
	Mail     MailQueue
	Metrics  *MetricsService
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// NewRouter constructs the Gin engine with routes wired.
func NewRouter(d RouterDeps) *gin.Engine {
	startedAt := time.Now()
	cfg := d.Config
	svc := d.Auth
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.Default()

	// Global middleware: origin/CORS -> session -> CSRF
	r.Use(CORSMiddleware(cfg))
	r.Use(SessionMiddleware(cfg, d.Store))
	r.Use(CSRFMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Registry != nil {
		r.GET("/metrics", gin.WrapH(MetricsHandler(d.Registry)))
	}

	enqueueMail := func(ctx context.Context, u *auth.User, code, reason string) {
		recordOTPIssued(reason)
		if d.Mail == nil {
			logger.WarnContext(ctx, "mail queue not configured, verification mail dropped", "user_id", u.ID.String())
			return
		}
		if err := d.Mail.EnqueueMail(ctx, NewMailJob(u.ID, u.Username, u.Email, code)); err != nil {
			LogError(logger.With("user_id", u.ID.String()), "enqueue verification mail failed", err)
		}
	}

	api := r.Group("/api/v1")
	{
		api.POST("/auth/register", func(c *gin.Context) {
			var req struct {
				Username string `json:"username"`
				Email    string `json:"email"`
				Password string `json:"password"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}

			ctx := c.Request.Context()
			u, code, err := svc.Register(ctx, auth.RegisterInput{
				Username: strings.TrimSpace(req.Username),
				Email:    req.Email,
				Password: req.Password,
			})
			if err != nil {
				respondAuthError(c, logger, err)
				return
			}
			enqueueMail(ctx, u, code, "register")
			c.JSON(http.StatusCreated, gin.H{"user": userJSON(u)})
		})

		api.POST("/auth/verify", func(c *gin.Context) {
			var req struct {
				Email string `json:"email"`
				Code  string `json:"code"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			u, err := svc.VerifyEmail(c.Request.Context(), req.Email, req.Code)
			if err != nil {
				respondAuthError(c, logger, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"user": userJSON(u)})
		})

		// Answers 202 whether or not a pending account exists so addresses
		// cannot be enumerated.
		api.POST("/auth/resend", func(c *gin.Context) {
			var req struct {
				Email string `json:"email"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			ctx := c.Request.Context()
			u, code, err := svc.ReissueOneTimePassword(ctx, req.Email)
			switch {
			case err == nil:
				enqueueMail(ctx, u, code, "resend")
			case errorCode(err) == "AUTH_USER_NOT_FOUND", errorCode(err) == "AUTH_ALREADY_VERIFIED":
			default:
				respondAuthError(c, logger, err)
				return
			}
			c.Status(http.StatusAccepted)
		})

		api.POST("/auth/login", func(c *gin.Context) {
			var req struct {
				Login     string `json:"login"`
				Password  string `json:"password"`
				WithEmail *bool  `json:"with_email"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			// Usernames cannot contain '@', so its presence marks an address.
			withEmail := strings.Contains(req.Login, "@")
			if req.WithEmail != nil {
				withEmail = *req.WithEmail
			}

			ctx := c.Request.Context()
			u, err := svc.CheckCredentials(ctx, req.Login, withEmail, req.Password)
			if err != nil {
				if le, ok := auth.AsLoginError(err); ok {
					recordLogin(le.Code())
				} else {
					recordLogin(LoginOutcomeError)
				}
				respondAuthError(c, logger, err)
				return
			}

			sess, err := rotateSession(c)
			if err == nil {
				err = svc.Login(sess, u)
			}
			if err != nil {
				LogError(logger.With("user_id", u.ID.String()), "login failed", err)
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to set session")
				return
			}
			recordLogin(LoginOutcomeSuccess)
			c.JSON(http.StatusOK, gin.H{"user": userJSON(u)})
		})

		api.POST("/auth/logout", func(c *gin.Context) {
			if sess := requestSession(c); sess != nil {
				if err := svc.Logout(sess); err != nil {
					LogError(logger, "logout failed", err)
				}
			}
			if err := endSession(c); err != nil {
				LogError(logger, "clear session failed", err)
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to clear session")
				return
			}
			c.Status(http.StatusNoContent)
		})

		users := api.Group("/users")
		users.Use(RequirePermission(svc, auth.PermissionUser, DenyByAccept(cfg.LoginPath)))
		users.GET("/me", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"user": userJSON(currentUser(c))})
		})

		admin := api.Group("/admin")
		admin.Use(AdminOnly(svc))

		admin.GET("/users", func(c *gin.Context) {
			if d.Users == nil {
				respondError(c, http.StatusNotImplemented, "NOT_IMPLEMENTED", "user listing unavailable")
				return
			}
			page, perPage, err := parsePagination(c.Query("page"), c.Query("per_page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
				return
			}
			items, total, err := d.Users.List(c.Request.Context(), page, perPage)
			if err != nil {
				LogError(logger, "list users failed", err)
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch users")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"items":       items,
				"page":        page,
				"per_page":    perPage,
				"total_items": total,
				"total_pages": calcTotalPages(total, perPage),
			})
		})

		admin.PATCH("/users/:id/permission", func(c *gin.Context) {
			id, err := ulid.ParseStrict(c.Param("id"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid user id")
				return
			}
			var req struct {
				Level any `json:"level"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			level, err := auth.ParsePermissionLevel(levelString(req.Level))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid permission level")
				return
			}
			u, err := svc.SetPermissionLevel(c.Request.Context(), id, level)
			if err != nil {
				respondAuthError(c, logger, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"user": userJSON(u)})
		})

		admin.GET("/system/status", func(c *gin.Context) {
			st, err := CollectSystemStatus(c.Request.Context(), d.Stats, d.Metrics, startedAt)
			if err != nil {
				LogError(logger, "system status failed", err)
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load system status")
				return
			}
			c.JSON(http.StatusOK, st)
		})

		if d.Metrics != nil {
			metricsService := d.Metrics
			metrics := admin.Group("/metrics")
			metrics.GET("/overview", func(c *gin.Context) {
				queueMetrics, workers, err := metricsService.Overview(c.Request.Context())
				if err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load metrics")
					return
				}
				c.JSON(http.StatusOK, gin.H{
					"queues":  queueMetrics,
					"workers": workers,
				})
			})

			metrics.GET("/workers/:id", func(c *gin.Context) {
				hb, err := metricsService.WorkerByID(c.Request.Context(), c.Param("id"))
				if err != nil {
					if errors.Is(err, redis.Nil) {
						respondError(c, http.StatusNotFound, "NOT_FOUND", "worker not found")
						return
					}
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load worker")
					return
				}
				c.JSON(http.StatusOK, hb)
			})
		}
	}

	return r
}

func userJSON(u *auth.User) gin.H {
	if u == nil {
		return nil
	}
	return gin.H{
		"id":               u.ID.String(),
		"username":         u.Username,
		"email":            u.Email,
		"email_verified":   u.EmailVerified,
		"permission_level": u.PermissionLevel.Rank(),
		"role":             u.PermissionLevel.String(),
		"created_at":       u.CreatedAt,
	}
}

func levelString(v any) string {
	switch l := v.(type) {
	case string:
		return l
	case float64:
		if l == float64(int(l)) {
			return strconv.Itoa(int(l))
		}
	}
	return fmt.Sprint(v)
}

// respondAuthError maps errors from the authentication core to the API
// payload. Unknown errors are logged and reported as 500.
func respondAuthError(c *gin.Context, logger *slog.Logger, err error) {
	if le, ok := auth.AsLoginError(err); ok {
		status := http.StatusUnauthorized
		switch le {
		case auth.UserNotFound:
			status = http.StatusNotFound
		case auth.EmailNotVerified:
			status = http.StatusForbidden
		}
		respondError(c, status, le.Code(), le.Error())
		return
	}

	switch {
	case errors.Is(err, auth.ErrOTPInvalid):
		respondError(c, http.StatusBadRequest, "OTP_INVALID", "invalid or unknown verification code")
		return
	case errors.Is(err, auth.ErrOTPExpired):
		respondError(c, http.StatusBadRequest, "OTP_EXPIRED", "verification code expired")
		return
	case errors.Is(err, auth.ErrDuplicate):
		respondError(c, http.StatusConflict, "CONFLICT", "username or email already taken")
		return
	}

	switch code := errorCode(err); code {
	case "AUTH_INVALID_USERNAME", "AUTH_INVALID_EMAIL", "AUTH_EMPTY_PASSWORD", "AUTH_PASSWORD_TOO_LONG", "AUTH_INVALID_PERMISSION":
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case "AUTH_USERNAME_TAKEN", "AUTH_EMAIL_TAKEN":
		respondError(c, http.StatusConflict, "CONFLICT", err.Error())
	case "AUTH_USER_NOT_FOUND":
		respondError(c, http.StatusNotFound, "NOT_FOUND", "user not found")
	default:
		LogError(logger, "request failed", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal error")
	}
}
