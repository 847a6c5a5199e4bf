package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/queue"
)

func testQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts.Redis = client
	q, err := New(opts)
	require.NoError(t, err)
	return q, srv
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestPublishAssignsDefaults(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	job := &queue.Job{InstanceID: "inst-1", Type: queue.JobStart}
	require.NoError(t, q.Publish(ctx, job))
	require.NotEmpty(t, job.MessageID)
	require.False(t, job.QueuedAt.IsZero())
	require.Equal(t, queue.DefaultPriority, job.Priority)
	require.Equal(t, 1, job.Attempt)
}

func TestPopEmptyReturnsNil(t *testing.T) {
	q, _ := testQueue(t, Options{})
	job, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "low", Type: queue.JobStart, Priority: 90}))
	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "high", Type: queue.JobStart, Priority: 10}))
	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "mid-1", Type: queue.JobStart, Priority: 50}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "mid-2", Type: queue.JobStart, Priority: 50}))

	var got []string
	for i := 0; i < 4; i++ {
		job, err := q.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.InstanceID)
	}
	require.Equal(t, []string{"high", "mid-1", "mid-2", "low"}, got)

	job, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestPopMovesJobInFlight(t *testing.T) {
	q, srv := testQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobContinue}))
	job, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Not pending anymore, but held in-flight until acked.
	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, srv.Exists(q.inflightKey()))

	require.NoError(t, q.Ack(ctx, job.MessageID))
	require.False(t, srv.Exists(q.inflightKey()))
}

func TestNackRequeuesWithIncrementedAttempt(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobRetry, Priority: 20}))
	job, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempt)

	require.NoError(t, q.Nack(ctx, job.MessageID, true))

	job2, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job2)
	require.Equal(t, "inst-1", job2.InstanceID)
	require.Equal(t, 2, job2.Attempt)
	require.Equal(t, 20, job2.Priority)
	require.NotEqual(t, job.MessageID, job2.MessageID)
}

func TestNackDeadLetters(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobStart}))
	job, err := q.Pop(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, job.MessageID, false))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "inst-1", dead[0].InstanceID)

	next, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestNackUnknownMessageIsNoop(t *testing.T) {
	q, _ := testQueue(t, Options{})
	require.NoError(t, q.Nack(context.Background(), "missing", true))
}

func TestSubscribeAcksOnSuccess(t *testing.T) {
	q, _ := testQueue(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobStart}))

	var handled atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Subscribe(ctx, func(ctx context.Context, job *queue.Job) error {
			handled.Add(1)
			cancel()
			return nil
		})
	}()

	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, int32(1), handled.Load())
}

func TestSubscribeRetriesThenDeadLetters(t *testing.T) {
	q, _ := testQueue(t, Options{MaxAttempts: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobStart}))

	var calls atomic.Int32
	go func() {
		_ = q.Subscribe(ctx, func(ctx context.Context, job *queue.Job) error {
			calls.Add(1)
			return errors.New("boom")
		})
	}()

	dead := waitDeadLetters(t, q, 1)
	cancel()
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, 2, dead[0].Attempt)
}

func waitDeadLetters(t *testing.T, q *Queue, want int) []*queue.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		dead, err := q.DeadLetters(context.Background(), 10)
		require.NoError(t, err)
		if len(dead) >= want {
			return dead
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dead letters", want)
	return nil
}

func TestSubscribeRecoversFromPanic(t *testing.T) {
	q, _ := testQueue(t, Options{MaxAttempts: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobStart}))

	go func() {
		_ = q.Subscribe(ctx, func(ctx context.Context, job *queue.Job) error {
			panic("handler exploded")
		})
	}()

	dead := waitDeadLetters(t, q, 1)
	require.Len(t, dead, 1)
}
