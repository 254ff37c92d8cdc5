package core

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// QueueMetrics is a snapshot of the verification mail queue.
type QueueMetrics struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Overdue    int64 `json:"overdue"` // reserved past the visibility deadline
}

// MetricsService reads the mail queue and worker heartbeats from Redis.
type MetricsService struct {
	redis RedisClientRaw
	now   func() time.Time
}

func NewMetricsService(redis RedisClientRaw) *MetricsService {
	return &MetricsService{redis: redis, now: time.Now}
}

// Overview returns the queue snapshot and all live heartbeats.
func (s *MetricsService) Overview(ctx context.Context) (QueueMetrics, []WorkerHeartbeat, error) {
	queue, err := s.Queue(ctx)
	if err != nil {
		return QueueMetrics{}, nil, err
	}
	workers, err := s.Workers(ctx)
	if err != nil {
		return queue, nil, err
	}
	return queue, workers, nil
}

func (s *MetricsService) Queue(ctx context.Context) (QueueMetrics, error) {
	var m QueueMetrics
	var err error
	if m.Pending, err = s.redis.LLen(ctx, PendingQueueKey).Result(); err != nil {
		return QueueMetrics{}, oops.Code("QUEUE_METRICS_FAILED").With("key", PendingQueueKey).Wrap(err)
	}
	if m.Processing, err = s.redis.ZCard(ctx, ProcessingQueueKey).Result(); err != nil {
		return QueueMetrics{}, oops.Code("QUEUE_METRICS_FAILED").With("key", ProcessingQueueKey).Wrap(err)
	}
	deadline := strconv.FormatInt(s.now().UnixMilli(), 10)
	if m.Overdue, err = s.redis.ZCount(ctx, ProcessingQueueKey, "-inf", deadline).Result(); err != nil {
		return QueueMetrics{}, oops.Code("QUEUE_METRICS_FAILED").With("key", ProcessingQueueKey).Wrap(err)
	}
	return m, nil
}

// Workers returns the unexpired heartbeats ordered by worker id. Entries
// that vanish or fail to decode between SCAN and MGET are skipped.
func (s *MetricsService) Workers(ctx context.Context) ([]WorkerHeartbeat, error) {
	var keys []string
	iter := s.redis.Scan(ctx, 0, workerHeartbeatPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, oops.Code("WORKER_METRICS_FAILED").Wrap(err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, oops.Code("WORKER_METRICS_FAILED").Wrap(err)
	}
	workers := make([]WorkerHeartbeat, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var hb WorkerHeartbeat
		if json.Unmarshal([]byte(raw), &hb) != nil {
			continue
		}
		workers = append(workers, hb)
	}
	slices.SortFunc(workers, func(a, b WorkerHeartbeat) int {
		return strings.Compare(a.WorkerID, b.WorkerID)
	})
	return workers, nil
}

// WorkerByID returns one heartbeat. A missing worker yields an error
// matching redis.Nil.
func (s *MetricsService) WorkerByID(ctx context.Context, id string) (*WorkerHeartbeat, error) {
	val, err := s.redis.Get(ctx, workerHeartbeatKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, oops.Code("WORKER_NOT_FOUND").With("worker_id", id).Wrap(err)
	}
	if err != nil {
		return nil, oops.Code("WORKER_METRICS_FAILED").With("worker_id", id).Wrap(err)
	}
	var hb WorkerHeartbeat
	if err := json.Unmarshal([]byte(val), &hb); err != nil {
		return nil, oops.Code("WORKER_METRICS_FAILED").With("worker_id", id).Wrap(err)
	}
	return &hb, nil
}
