package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// RedisClient is the minimal queue interface used by API/worker.
// It supports visibility timeout and explicit ack to avoid job loss.
type RedisClient interface {
	Enqueue(ctx context.Context, pendingKey string, value string) error
	Reserve(ctx context.Context, pendingKey, processingKey string, visibility time.Duration) (string, error)
	Ack(ctx context.Context, processingKey string, value string) error
	RequeueExpired(ctx context.Context, processingKey, pendingKey string, now time.Time) ([]string, error)
}

// RedisClientRaw exposes a minimal subset used for metrics and heartbeat.
type RedisClientRaw interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
}

// RedisQueue implements RedisClient using go-redis.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisClient returns a configured go-redis client from URL (e.g., redis://localhost:6379/0),
// retrying the initial ping while Redis is still starting.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, oops.Code("REDIS_CONFIG_INVALID").Errorf("empty redis url")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, oops.Code("REDIS_CONFIG_INVALID").Wrap(err)
	}

	client := redis.NewClient(opts)
	err = retry.Do(ctx, startupBackoff(), func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, oops.Code("REDIS_CONNECT_FAILED").Wrap(err)
	}

	return client, nil
}

// NewRedisQueue wraps a redis.Client with queue helpers.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue pushes a value to the head of the pending list (LPUSH).
func (q *RedisQueue) Enqueue(ctx context.Context, pendingKey string, value string) error {
	return q.client.LPush(ctx, pendingKey, value).Err()
}

var reserveScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if v then
  redis.call('ZADD', KEYS[2], ARGV[1], v)
end
return v
`)

// Reserve moves an item atomically from pending -> processing with a visibility deadline score.
// It uses RPOP + ZADD so the job is not lost if a worker dies before ack.
func (q *RedisQueue) Reserve(ctx context.Context, pendingKey, processingKey string, visibility time.Duration) (string, error) {
	expireScore := float64(time.Now().Add(visibility).UnixMilli())
	res, err := reserveScript.Run(ctx, q.client, []string{pendingKey, processingKey}, expireScore).Result()
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", redis.Nil
	}
	if s, ok := res.(string); ok {
		return s, nil
	}
	return "", oops.Code("QUEUE_PROTOCOL_ERROR").Errorf("unexpected reserve response type %T", res)
}

// Ack removes a processing item after successful handling.
func (q *RedisQueue) Ack(ctx context.Context, processingKey string, value string) error {
	return q.client.ZRem(ctx, processingKey, value).Err()
}

var requeueScript = redis.NewScript(`
local vals = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = table.getn(vals)
if count > 0 then
  redis.call('ZREM', KEYS[1], unpack(vals))
  redis.call('LPUSH', KEYS[2], unpack(vals))
end
return vals
`)

// RequeueExpired moves expired processing items back to pending and returns the moved jobs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, processingKey, pendingKey string, now time.Time) ([]string, error) {
	score := float64(now.UnixMilli())
	res, err := requeueScript.Run(ctx, q.client, []string{processingKey, pendingKey}, score).Result()
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	rawVals, ok := res.([]interface{})
	if !ok {
		return nil, oops.Code("QUEUE_PROTOCOL_ERROR").Errorf("unexpected requeue response type %T", res)
	}
	out := make([]string, 0, len(rawVals))
	for _, v := range rawVals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// MailJob is one verification mail on the queue. The payload carries the
// plaintext code until the worker has delivered it.
type MailJob struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Code     string `json:"code"`
	Attempt  int    `json:"attempt"`
}

// NewMailJob builds the first attempt of a verification mail.
func NewMailJob(userID ulid.ULID, username, email, code string) MailJob {
	return MailJob{
		ID:       ulid.Make().String(),
		UserID:   userID.String(),
		Username: username,
		Email:    email,
		Code:     code,
		Attempt:  1,
	}
}

// MailQueue publishes verification mails.
type MailQueue interface {
	EnqueueMail(ctx context.Context, job MailJob) error
}

// RedisMailQueue is a MailQueue over a RedisClient.
type RedisMailQueue struct {
	queue RedisClient
}

// NewRedisMailQueue returns a mail queue over q.
func NewRedisMailQueue(q RedisClient) *RedisMailQueue {
	return &RedisMailQueue{queue: q}
}

// EnqueueMail pushes job onto the pending list.
func (q *RedisMailQueue) EnqueueMail(ctx context.Context, job MailJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return oops.Code("QUEUE_ENCODE_FAILED").With("job_id", job.ID).Wrap(err)
	}
	if err := q.queue.Enqueue(ctx, PendingQueueKey, string(data)); err != nil {
		return oops.Code("QUEUE_ENQUEUE_FAILED").With("job_id", job.ID).Wrap(err)
	}
	return nil
}

func decodeMailJob(payload string) (MailJob, error) {
	var job MailJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return job, oops.Code("QUEUE_DECODE_FAILED").Wrap(err)
	}
	return job, nil
}
