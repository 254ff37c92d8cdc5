package core

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"
)

const heartbeatInterval = 5 * time.Second

// HeartbeatState tracks the jobs of one mail worker process and publishes
// them as a WorkerHeartbeat.
type HeartbeatState struct {
	mu       sync.Mutex
	hb       WorkerHeartbeat
	inFlight map[string]struct{}
	interval time.Duration
	logger   *slog.Logger
}

// NewHeartbeatState returns a state in WorkerStarting.
func NewHeartbeatState(workerID, hostname string, concurrency int) *HeartbeatState {
	return &HeartbeatState{
		hb: WorkerHeartbeat{
			WorkerID:    workerID,
			Hostname:    hostname,
			PID:         os.Getpid(),
			Concurrency: concurrency,
			Status:      WorkerStarting,
			StartedAt:   time.Now(),
		},
		inFlight: make(map[string]struct{}),
		interval: heartbeatInterval,
		logger:   slog.Default(),
	}
}

// Run publishes the heartbeat now and on every interval until ctx is done,
// then removes it so the worker leaves the admin view at once.
func (s *HeartbeatState) Run(ctx context.Context, client RedisClientRaw) {
	s.mu.Lock()
	if s.hb.Status == WorkerStarting {
		s.hb.Status = WorkerIdle
	}
	s.mu.Unlock()

	s.publish(ctx, client)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := client.Del(context.WithoutCancel(ctx), workerHeartbeatKey(s.hb.WorkerID)).Err(); err != nil {
				LogError(s.logger, "heartbeat cleanup failed", err)
			}
			return
		case <-ticker.C:
			s.publish(ctx, client)
		}
	}
}

// JobStarted marks jobID in flight.
func (s *HeartbeatState) JobStarted(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[jobID] = struct{}{}
	s.hb.Status = WorkerBusy
}

// JobFinished records the outcome of jobID. result is one of the
// MailResult constants; err is the delivery error, if any.
func (s *HeartbeatState) JobFinished(jobID, result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, jobID)
	switch result {
	case MailResultSent:
		s.hb.Sent++
		now := time.Now()
		s.hb.LastSentAt = &now
	case MailResultRetried:
		s.hb.Retried++
	default:
		s.hb.Failed++
	}
	if err != nil {
		s.hb.LastError = err.Error()
	}
	if len(s.inFlight) == 0 {
		s.hb.Status = WorkerIdle
	}
}

// Snapshot returns the current heartbeat with in-flight ids sorted.
func (s *HeartbeatState) Snapshot() WorkerHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb := s.hb
	hb.InFlight = slices.Sorted(maps.Keys(s.inFlight))
	return hb
}

func (s *HeartbeatState) publish(ctx context.Context, client RedisClientRaw) {
	if err := saveHeartbeat(ctx, client, s.Snapshot()); err != nil && ctx.Err() == nil {
		LogError(s.logger, "heartbeat failed", err)
	}
}
