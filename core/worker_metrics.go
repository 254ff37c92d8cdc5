package core

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/samber/oops"
)

// Worker states published in heartbeats.
const (
	WorkerStarting = "starting"
	WorkerIdle     = "idle"
	WorkerBusy     = "busy"
)

const (
	workerHeartbeatPrefix = "mail:worker:"
	workerHeartbeatTTL    = 45 * time.Second
)

func workerHeartbeatKey(id string) string {
	return workerHeartbeatPrefix + id
}

// WorkerHeartbeat is what a mail worker publishes about itself. It expires
// from Redis when the worker stops refreshing it.
type WorkerHeartbeat struct {
	WorkerID      string     `json:"worker_id"`
	Hostname      string     `json:"hostname"`
	PID           int        `json:"pid"`
	Concurrency   int        `json:"concurrency"`
	Status        string     `json:"status"`
	InFlight      []string   `json:"in_flight,omitempty"` // mail job ids
	Sent          int64      `json:"sent"`
	Retried       int64      `json:"retried"`
	Failed        int64      `json:"failed"`
	LastError     string     `json:"last_error,omitempty"`
	LastSentAt    *time.Time `json:"last_sent_at,omitempty"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Goroutines    int        `json:"goroutines"`
	HeapBytes     uint64     `json:"heap_bytes"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Handled is the number of jobs the worker finished in any way.
func (h WorkerHeartbeat) Handled() int64 {
	return h.Sent + h.Retried + h.Failed
}

// saveHeartbeat stamps runtime figures onto hb and stores it with a TTL.
func saveHeartbeat(ctx context.Context, client RedisClientRaw, hb WorkerHeartbeat) error {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	hb.HeapBytes = ms.HeapAlloc
	hb.Goroutines = runtime.NumGoroutine()
	hb.UpdatedAt = time.Now()
	hb.UptimeSeconds = int64(hb.UpdatedAt.Sub(hb.StartedAt).Seconds())

	data, err := json.Marshal(hb)
	if err != nil {
		return oops.Code("HEARTBEAT_ENCODE_FAILED").With("worker_id", hb.WorkerID).Wrap(err)
	}
	if err := client.Set(ctx, workerHeartbeatKey(hb.WorkerID), data, workerHeartbeatTTL).Err(); err != nil {
		return oops.Code("HEARTBEAT_SAVE_FAILED").With("worker_id", hb.WorkerID).Wrap(err)
	}
	return nil
}
