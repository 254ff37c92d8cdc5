package core

import (
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"
)

// SetupLogging configures log output to both stdout and a file in cfg.LogDir,
// installs a slog default logger over it and returns both.
// Caller should close the returned io.Closer on shutdown.
func SetupLogging(cfg Config, service, filename string) (*slog.Logger, io.Closer, error) {
	dir := cfg.LogDir
	if dir == "" {
		dir = "/var/log/struktal"
	}
	if filename == "" {
		filename = "app.log"
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, oops.Code("LOG_SETUP_FAILED").With("dir", dir).Wrap(err)
	}

	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, oops.Code("LOG_SETUP_FAILED").With("path", path).Wrap(err)
	}

	mw := io.MultiWriter(os.Stdout, f)
	log.SetOutput(mw)
	gin.DefaultWriter = mw
	gin.DefaultErrorWriter = mw

	logger := NewLogger(service, cfg.LogFormat, mw)
	slog.SetDefault(logger)
	return logger, f, nil
}

// NewLogger builds a slog logger tagged with service. format is "json" or
// "text"; anything else means json.
func NewLogger(service, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", service)
}

// LogError logs err, expanding the code and context of oops errors.
func LogError(logger *slog.Logger, msg string, err error) {
	if oopsErr, ok := oops.AsOops(err); ok {
		attrs := []any{"error", oopsErr.Error()}
		if code := oopsErr.Code(); code != nil && code != "" {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
		logger.Error(msg, attrs...)
		return
	}
	logger.Error(msg, "error", err)
}

// errorCode returns the oops code of err, or "" when it has none.
func errorCode(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if s, ok := oopsErr.Code().(string); ok {
			return s
		}
	}
	return ""
}
