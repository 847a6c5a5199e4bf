// Package redis implements the queue port on Redis. Pending jobs live in a
// sorted set scored by (priority, queuedAt); payloads live in a hash keyed
// by message ID; popped jobs move atomically into an in-flight hash via a
// Lua script so concurrent consumers never double-deliver. Jobs that
// exhaust their queue attempts are pushed to a dead-letter list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowforge/flowforge/queue"
	"github.com/flowforge/flowforge/telemetry"
)

// DefaultPrefix namespaces all FlowForge keys in Redis.
const DefaultPrefix = "flowforge:"

// priorityBand separates priority tiers in the sorted-set score. Scores are
// priority*priorityBand + unix-milliseconds; both terms stay well inside
// float64's exact-integer range.
const priorityBand = float64(1 << 43)

// popScript moves the lowest-scored pending job into the in-flight hash and
// returns its payload. Runs atomically, so losing a race is impossible;
// an empty reply just means another consumer drained the queue first.
var popScript = redis.NewScript(`
local ids = redis.call("zrange", KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call("zrem", KEYS[1], id)
local payload = redis.call("hget", KEYS[2], id)
redis.call("hdel", KEYS[2], id)
if payload then
	redis.call("hset", KEYS[3], id, payload)
end
return payload
`)

type (
	// Queue implements queue.Queue on Redis.
	Queue struct {
		rdb         *redis.Client
		prefix      string
		maxAttempts int
		logger      telemetry.Logger
		metrics     telemetry.Metrics
	}

	// Options configures the queue.
	Options struct {
		// Redis is the client to use. Required.
		Redis *redis.Client
		// Prefix namespaces queue keys; DefaultPrefix when empty.
		Prefix string
		// MaxAttempts caps queue-level redelivery; queue.DefaultMaxAttempts
		// when zero.
		MaxAttempts int
		// Logger and Metrics receive consumer diagnostics. Noop when nil.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

// New constructs a Redis-backed queue.
func New(opts Options) (*Queue, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	q := &Queue{
		rdb:         opts.Redis,
		prefix:      opts.Prefix,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if q.prefix == "" {
		q.prefix = DefaultPrefix
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = queue.DefaultMaxAttempts
	}
	if q.logger == nil {
		q.logger = telemetry.NewNoopLogger()
	}
	if q.metrics == nil {
		q.metrics = telemetry.NewNoopMetrics()
	}
	return q, nil
}

func (q *Queue) pendingKey() string  { return q.prefix + "queue:pending" }
func (q *Queue) payloadKey() string  { return q.prefix + "queue:payload" }
func (q *Queue) inflightKey() string { return q.prefix + "queue:inflight" }
func (q *Queue) deadKey() string     { return q.prefix + "queue:dead" }

func score(priority int, queuedAt time.Time) float64 {
	return float64(priority)*priorityBand + float64(queuedAt.UnixMilli())
}

// Publish implements queue.Queue.
func (q *Queue) Publish(ctx context.Context, job *queue.Job) error {
	j := *job
	j.MessageID = uuid.NewString()
	j.QueuedAt = time.Now().UTC()
	if j.Priority == 0 {
		j.Priority = queue.DefaultPriority
	}
	if j.Attempt == 0 {
		j.Attempt = 1
	}
	payload, err := json.Marshal(&j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.payloadKey(), j.MessageID, payload)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{Score: score(j.Priority, j.QueuedAt), Member: j.MessageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	*job = j
	q.metrics.IncCounter("flowforge_queue_published", 1, "type", j.Type.String())
	return nil
}

// Pop implements queue.Queue.
func (q *Queue) Pop(ctx context.Context) (*queue.Job, error) {
	res, err := popScript.Run(ctx, q.rdb, []string{q.pendingKey(), q.payloadKey(), q.inflightKey()}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	payload, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Ack implements queue.Queue.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	if err := q.rdb.HDel(ctx, q.inflightKey(), messageID).Err(); err != nil {
		return err
	}
	q.metrics.IncCounter("flowforge_queue_acked", 1)
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(ctx context.Context, messageID string, requeue bool) error {
	payload, err := q.rdb.HGet(ctx, q.inflightKey(), messageID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := q.rdb.HDel(ctx, q.inflightKey(), messageID).Err(); err != nil {
		return err
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	q.metrics.IncCounter("flowforge_queue_nacked", 1)
	if !requeue {
		q.logger.Warn(ctx, "dead-lettering job",
			"message_id", job.MessageID, "instance_id", job.InstanceID, "attempt", job.Attempt)
		return q.rdb.RPush(ctx, q.deadKey(), payload).Err()
	}
	job.Attempt++
	return q.Publish(ctx, &job)
}

// Subscribe implements queue.Queue.
func (q *Queue) Subscribe(ctx context.Context, handler queue.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := q.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error(ctx, "queue pop failed", "error", err.Error())
			job = nil
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
			requeue := job.Attempt < q.maxAttempts
			if nackErr := q.Nack(ctx, job.MessageID, requeue); nackErr != nil {
				q.logger.Error(ctx, "nack failed", "message_id", job.MessageID, "error", nackErr.Error())
			}
			continue
		}
		if err := q.Ack(ctx, job.MessageID); err != nil {
			q.logger.Error(ctx, "ack failed", "message_id", job.MessageID, "error", err.Error())
		}
	}
}

// handle invokes the handler, converting panics into errors so a broken
// handler lands on the nack path instead of killing the consumer.
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

// DeadLetters returns up to limit dead-lettered jobs, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*queue.Job, error) {
	raw, err := q.rdb.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*queue.Job, 0, len(raw))
	for _, payload := range raw {
		var job queue.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

// PendingCount returns the number of pending jobs.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.pendingKey()).Result()
}
