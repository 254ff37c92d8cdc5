package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Struktal/struktal-auth/core"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	cfg, err := core.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logCloser, err := core.SetupLogging(cfg, "api", "api.log")
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if cfg.AutoMigrate {
		if err := core.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	db, err := core.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient, err := core.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	otpHasher := core.NewOTPHasher(cfg)
	users := core.NewPgUserDirectory(db, otpHasher)
	authService, err := core.NewAuthService(cfg, users, core.NewPasswordHasher(cfg), otpHasher, logger)
	if err != nil {
		return err
	}

	if err := core.BootstrapAdmin(ctx, authService, users, cfg, logger); err != nil {
		return err
	}

	router := core.NewRouter(core.RouterDeps{
		Config:   cfg,
		Store:    core.NewSessionStore(cfg, redisClient),
		Auth:     authService,
		Users:    users,
		Stats:    users,
		Mail:     core.NewRedisMailQueue(core.NewRedisQueue(redisClient)),
		Metrics:  core.NewMetricsService(redisClient),
		Registry: core.NewMetricsRegistry(),
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting api server", "addr", srv.Addr, "session_backend", cfg.SessionBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down api server")
	return srv.Shutdown(shutdownCtx)
}
