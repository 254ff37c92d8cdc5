package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MailWorker drains the verification mail queue.
type MailWorker struct {
	queue  RedisClient
	mails  *RedisMailQueue
	mailer Mailer
	state  *HeartbeatState
	logger *slog.Logger

	visibility      time.Duration
	reclaimInterval time.Duration
	idleWait        time.Duration
	maxAttempts     int
}

// NewMailWorker returns a worker reading from queue. state may be nil.
func NewMailWorker(queue RedisClient, mailer Mailer, state *HeartbeatState, logger *slog.Logger) *MailWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MailWorker{
		queue:           queue,
		mails:           NewRedisMailQueue(queue),
		mailer:          mailer,
		state:           state,
		logger:          logger,
		visibility:      DefaultVisibilityTimeout,
		reclaimInterval: 15 * time.Second,
		idleWait:        100 * time.Millisecond,
		maxAttempts:     MaxMailAttempts,
	}
}

// Run starts concurrency consumers plus the reclaimer and blocks until ctx
// is done and all of them returned.
func (w *MailWorker) Run(ctx context.Context, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i + 1)
	}
	wg.Wait()
}

func (w *MailWorker) consume(ctx context.Context, slot int) {
	logger := w.logger.With("slot", slot)
	for {
		payload, err := w.queue.Reserve(ctx, PendingQueueKey, ProcessingQueueKey, w.visibility)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return
			}
			wait := w.idleWait
			if !errors.Is(err, redis.Nil) {
				LogError(logger, "dequeue failed", err)
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		_ = w.Process(ctx, payload)
	}
}

// Process delivers one queued payload. Failed deliveries are re-enqueued as
// a new attempt until maxAttempts; the reserved payload is always acked.
func (w *MailWorker) Process(ctx context.Context, payload string) error {
	defer func() {
		if err := w.queue.Ack(context.WithoutCancel(ctx), ProcessingQueueKey, payload); err != nil {
			LogError(w.logger, "ack failed", err)
		}
	}()

	job, err := decodeMailJob(payload)
	if err != nil {
		recordMailJob(MailResultFailed)
		LogError(w.logger, "dropping undecodable mail job", err)
		return err
	}

	if w.state != nil {
		w.state.JobStarted(job.ID)
	}
	result, err := w.deliver(ctx, job)
	recordMailJob(result)
	if w.state != nil {
		w.state.JobFinished(job.ID, result, err)
	}
	return err
}

// deliver sends job and reports which MailResult it ended in.
func (w *MailWorker) deliver(ctx context.Context, job MailJob) (string, error) {
	sendErr := w.mailer.SendVerification(ctx, job)
	if sendErr == nil {
		return MailResultSent, nil
	}

	if job.Attempt < w.maxAttempts {
		next := job
		next.Attempt++
		if err := w.mails.EnqueueMail(ctx, next); err != nil {
			LogError(w.logger, "re-enqueue failed", err)
		} else {
			w.logger.WarnContext(ctx, "mail job retried", "job_id", job.ID, "attempt", next.Attempt)
			return MailResultRetried, sendErr
		}
	}
	LogError(w.logger.With("job_id", job.ID, "attempt", job.Attempt), "mail job failed", sendErr)
	return MailResultFailed, sendErr
}

func (w *MailWorker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := w.queue.RequeueExpired(ctx, ProcessingQueueKey, PendingQueueKey, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					LogError(w.logger, "requeue expired failed", err)
				}
				continue
			}
			if len(jobs) > 0 {
				w.logger.InfoContext(ctx, "requeued expired mail jobs", "count", len(jobs))
			}
		}
	}
}
