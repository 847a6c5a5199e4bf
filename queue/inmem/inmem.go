// Package inmem implements the queue port in process memory for tests and
// single-node development. Ordering, in-flight tracking, and dead-letter
// semantics match the Redis implementation.
package inmem

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/queue"
	"github.com/flowforge/flowforge/telemetry"
)

type (
	// Queue implements queue.Queue in memory.
	Queue struct {
		mu          sync.Mutex
		pending     []*queue.Job
		inflight    map[string]*queue.Job
		dead        []*queue.Job
		maxAttempts int
		logger      telemetry.Logger
	}

	// Option customizes the queue.
	Option func(*Queue)
)

// WithMaxAttempts caps queue-level redelivery before dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithLogger sets the consumer diagnostics logger.
func WithLogger(l telemetry.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New constructs an in-memory queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		inflight:    make(map[string]*queue.Job),
		maxAttempts: queue.DefaultMaxAttempts,
		logger:      telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = queue.DefaultMaxAttempts
	}
	return q
}

// Publish implements queue.Queue.
func (q *Queue) Publish(_ context.Context, job *queue.Job) error {
	job.MessageID = uuid.NewString()
	job.QueuedAt = time.Now().UTC()
	if job.Priority == 0 {
		job.Priority = queue.DefaultPriority
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	j := *job
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, &j)
	sort.SliceStable(q.pending, func(a, b int) bool {
		if q.pending[a].Priority != q.pending[b].Priority {
			return q.pending[a].Priority < q.pending[b].Priority
		}
		return q.pending[a].QueuedAt.Before(q.pending[b].QueuedAt)
	})
	return nil
}

// Pop implements queue.Queue.
func (q *Queue) Pop(context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight[job.MessageID] = job
	j := *job
	return &j, nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, messageID)
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(ctx context.Context, messageID string, requeue bool) error {
	q.mu.Lock()
	job, ok := q.inflight[messageID]
	if ok {
		delete(q.inflight, messageID)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if !requeue {
		q.mu.Lock()
		q.dead = append(q.dead, job)
		q.mu.Unlock()
		return nil
	}
	job.Attempt++
	return q.Publish(ctx, job)
}

// Subscribe implements queue.Queue.
func (q *Queue) Subscribe(ctx context.Context, handler queue.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			timer := time.NewTimer(queue.IdleSleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		if err := q.handle(ctx, handler, job); err != nil {
			if nackErr := q.Nack(ctx, job.MessageID, job.Attempt < q.maxAttempts); nackErr != nil {
				q.logger.Error(ctx, "nack failed", "message_id", job.MessageID, "error", nackErr.Error())
			}
			continue
		}
		if err := q.Ack(ctx, job.MessageID); err != nil {
			q.logger.Error(ctx, "ack failed", "message_id", job.MessageID, "error", err.Error())
		}
	}
}

func (q *Queue) handle(ctx context.Context, handler queue.Handler, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error(ctx, "job handler panic",
				"message_id", job.MessageID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// DeadLetters returns a copy of the dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*queue.Job, len(q.dead))
	for i, job := range q.dead {
		j := *job
		out[i] = &j
	}
	return out
}

// PendingCount returns the number of pending jobs.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
