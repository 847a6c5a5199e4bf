package inmem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/queue"
)

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "low", Type: queue.JobStart, Priority: 90}))
	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "mid-1", Type: queue.JobStart, Priority: 50}))
	time.Sleep(time.Millisecond)
	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "mid-2", Type: queue.JobStart, Priority: 50}))
	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "high", Type: queue.JobStart, Priority: 10}))

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

func TestAckRemovesInFlight(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobContinue}))
	job, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Zero(t, q.PendingCount())

	require.NoError(t, q.Ack(ctx, job.MessageID))
	// Acked jobs never come back.
	require.NoError(t, q.Nack(ctx, job.MessageID, true))
	require.Zero(t, q.PendingCount())
}

func TestNackRequeuesWithIncrementedAttempt(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobRetry, Priority: 20}))
	job, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, job.Attempt)

	require.NoError(t, q.Nack(ctx, job.MessageID, true))

	job2, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, job2)
	require.Equal(t, 2, job2.Attempt)
	require.Equal(t, 20, job2.Priority)
}

func TestNackDeadLetters(t *testing.T) {
	q := New()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobStart}))
	job, err := q.Pop(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, job.MessageID, false))
	require.Len(t, q.DeadLetters(), 1)
	require.Zero(t, q.PendingCount())
}

func TestConcurrentPopNeverDoubleDelivers(t *testing.T) {
	q := New()
	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst", Type: queue.JobStart}))
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Pop(ctx)
				require.NoError(t, err)
				if job == nil {
					return
				}
				mu.Lock()
				require.False(t, seen[job.MessageID])
				seen[job.MessageID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
}

func TestSubscribeDeadLettersAfterMaxAttempts(t *testing.T) {
	q := New(WithMaxAttempts(3))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Publish(ctx, &queue.Job{InstanceID: "inst-1", Type: queue.JobStart}))

	var lastAttempt atomic.Int32
	go func() {
		_ = q.Subscribe(ctx, func(ctx context.Context, job *queue.Job) error {
			lastAttempt.Store(int32(job.Attempt))
			return errors.New("boom")
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(q.DeadLetters()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	require.Len(t, q.DeadLetters(), 1)
	require.Equal(t, int32(3), lastAttempt.Load())
}
