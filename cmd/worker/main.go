package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Struktal/struktal-auth/core"
)

func main() {
	cfg, err := core.Load()
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logCloser, err := core.SetupLogging(cfg, "worker", "worker.log")
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	redisClient, err := core.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		core.LogError(logger, "failed to connect redis", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	concurrency := cfg.WorkerConcurrency
	workerID := core.NewWorkerID()
	hostname, _ := os.Hostname()
	logger = logger.With("worker_id", workerID)
	logger.Info("worker started", "concurrency", concurrency, "queue", core.PendingQueueKey, "smtp_host", cfg.SMTPHost)

	if cfg.WorkerMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", core.MetricsHandler(core.NewMetricsRegistry()))
		srv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				core.LogError(logger, "metrics server failed", err)
			}
		}()
		defer srv.Close()
	}

	state := core.NewHeartbeatState(workerID, hostname, concurrency)
	go state.Run(ctx, redisClient)

	worker := core.NewMailWorker(core.NewRedisQueue(redisClient), core.NewSMTPMailer(cfg, logger), state, logger)
	worker.Run(ctx, concurrency)
	logger.Info("worker stopped")
}
