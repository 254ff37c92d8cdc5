package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeMailer struct {
	mu    sync.Mutex
	sent  []MailJob
	fails int
}

func (m *fakeMailer) SendVerification(_ context.Context, job MailJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("relay unavailable")
	}
	m.sent = append(m.sent, job)
	return nil
}

func (m *fakeMailer) Sent() []MailJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MailJob(nil), m.sent...)
}

func encodeJob(t *testing.T, job MailJob) string {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return string(data)
}

func TestMailWorker_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("sent", func(t *testing.T) {
		mr, client := newTestRedis(t)
		mailer := &fakeMailer{}
		state := NewHeartbeatState("w", "h", 1)
		w := NewMailWorker(NewRedisQueue(client), mailer, state, nil)

		before := testutil.ToFloat64(MailJobs.WithLabelValues(MailResultSent))
		job := NewMailJob(ulid.Make(), "alice", "alice@example.com", "code")
		payload := encodeJob(t, job)
		_, err := mr.ZAdd(ProcessingQueueKey, 1, payload)
		require.NoError(t, err)

		require.NoError(t, w.Process(ctx, payload))
		assert.Equal(t, []MailJob{job}, mailer.Sent())
		assert.False(t, mr.Exists(ProcessingQueueKey), "reserved payload is acked")
		assert.Equal(t, before+1, testutil.ToFloat64(MailJobs.WithLabelValues(MailResultSent)))
		assert.EqualValues(t, 1, state.Snapshot().Sent)
	})

	t.Run("retried", func(t *testing.T) {
		mr, client := newTestRedis(t)
		w := NewMailWorker(NewRedisQueue(client), &fakeMailer{fails: 1}, nil, nil)

		before := testutil.ToFloat64(MailJobs.WithLabelValues(MailResultRetried))
		job := NewMailJob(ulid.Make(), "alice", "alice@example.com", "code")
		assert.Error(t, w.Process(ctx, encodeJob(t, job)))

		pending, err := mr.List(PendingQueueKey)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		var next MailJob
		require.NoError(t, json.Unmarshal([]byte(pending[0]), &next))
		assert.Equal(t, job.ID, next.ID)
		assert.Equal(t, 2, next.Attempt)
		assert.Equal(t, before+1, testutil.ToFloat64(MailJobs.WithLabelValues(MailResultRetried)))
	})

	t.Run("final attempt fails", func(t *testing.T) {
		mr, client := newTestRedis(t)
		w := NewMailWorker(NewRedisQueue(client), &fakeMailer{fails: 1}, nil, nil)

		before := testutil.ToFloat64(MailJobs.WithLabelValues(MailResultFailed))
		job := NewMailJob(ulid.Make(), "alice", "alice@example.com", "code")
		job.Attempt = MaxMailAttempts
		assert.Error(t, w.Process(ctx, encodeJob(t, job)))

		assert.False(t, mr.Exists(PendingQueueKey))
		assert.Equal(t, before+1, testutil.ToFloat64(MailJobs.WithLabelValues(MailResultFailed)))
	})

	t.Run("undecodable", func(t *testing.T) {
		mr, client := newTestRedis(t)
		w := NewMailWorker(NewRedisQueue(client), &fakeMailer{}, nil, nil)
		_, err := mr.ZAdd(ProcessingQueueKey, 1, "garbage")
		require.NoError(t, err)

		assertCode(t, w.Process(ctx, "garbage"), "QUEUE_DECODE_FAILED")
		assert.False(t, mr.Exists(ProcessingQueueKey))
	})
}

func TestMailWorker_Run(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mailer := &fakeMailer{fails: 1}
	w := NewMailWorker(NewRedisQueue(client), mailer, nil, nil)
	w.idleWait = 10 * time.Millisecond
	w.reclaimInterval = 20 * time.Millisecond

	mails := NewRedisMailQueue(NewRedisQueue(client))
	for _, name := range []string{"alice", "bob"} {
		require.NoError(t, mails.EnqueueMail(context.Background(), NewMailJob(ulid.Make(), name, name+"@example.com", "code-"+name)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, 2)
	}()

	require.Eventually(t, func() bool { return len(mailer.Sent()) == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.False(t, mr.Exists(PendingQueueKey))
	assert.False(t, mr.Exists(ProcessingQueueKey))
}
