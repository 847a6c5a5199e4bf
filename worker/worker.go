// Package worker consumes the job queue and drives the engine. A pool runs
// several consumer loops over one queue subscription contract, caps
// concurrent engine calls with a weighted semaphore, posts a liveness
// heartbeat, and optionally sweeps stale Running instances.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/flowforge/flowforge/engine"
	"github.com/flowforge/flowforge/queue"
	"github.com/flowforge/flowforge/telemetry"
)

const (
	// DefaultMaxConcurrency caps simultaneous engine calls per worker.
	DefaultMaxConcurrency = 10
	// DefaultHeartbeatInterval paces liveness records; the record TTL is
	// three intervals.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultPrefix namespaces heartbeat keys in Redis.
	DefaultPrefix = "flowforge:"
)

type (
	// Heartbeat posts a worker liveness record with a TTL.
	Heartbeat interface {
		Beat(ctx context.Context, workerID string, ttl time.Duration) error
	}

	// RedisHeartbeat implements Heartbeat on Redis under
	// "<prefix>worker:<worker_id>".
	RedisHeartbeat struct {
		rdb    *redis.Client
		prefix string
	}

	// Pool is a worker process: queue consumption, bounded engine dispatch,
	// heartbeat, and an optional timeout reaper.
	Pool struct {
		engine         *engine.Engine
		queue          queue.Queue
		heartbeat      Heartbeat
		logger         telemetry.Logger
		metrics        telemetry.Metrics
		sem            *semaphore.Weighted
		id             string
		maxConcurrency int
		beatInterval   time.Duration
		reapAfter      time.Duration
	}

	// Options configures a pool.
	Options struct {
		// Engine advances instances. Required.
		Engine *engine.Engine
		// Queue delivers jobs. Required.
		Queue queue.Queue
		// Heartbeat posts liveness records. Heartbeating is skipped when nil.
		Heartbeat Heartbeat
		// WorkerID identifies this worker; hostname+pid when empty.
		WorkerID string
		// MaxConcurrency caps simultaneous engine calls;
		// DefaultMaxConcurrency when zero.
		MaxConcurrency int
		// HeartbeatInterval paces liveness records;
		// DefaultHeartbeatInterval when zero.
		HeartbeatInterval time.Duration
		// ReapAfter enables the timeout reaper: Running instances idle
		// longer than this are marked TimedOut. Zero disables the reaper.
		ReapAfter time.Duration
		// Logger and Metrics receive pool diagnostics. Noop when nil.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}
)

// NewRedisHeartbeat constructs a Redis heartbeat. An empty prefix uses
// DefaultPrefix.
func NewRedisHeartbeat(rdb *redis.Client, prefix string) *RedisHeartbeat {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisHeartbeat{rdb: rdb, prefix: prefix}
}

// Beat implements Heartbeat.
func (h *RedisHeartbeat) Beat(ctx context.Context, workerID string, ttl time.Duration) error {
	return h.rdb.Set(ctx, h.prefix+"worker:"+workerID, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// New constructs a pool.
func New(opts Options) (*Pool, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	p := &Pool{
		engine:         opts.Engine,
		queue:          opts.Queue,
		heartbeat:      opts.Heartbeat,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		id:             opts.WorkerID,
		maxConcurrency: opts.MaxConcurrency,
		beatInterval:   opts.HeartbeatInterval,
		reapAfter:      opts.ReapAfter,
	}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewNoopMetrics()
	}
	if p.maxConcurrency <= 0 {
		p.maxConcurrency = DefaultMaxConcurrency
	}
	if p.beatInterval <= 0 {
		p.beatInterval = DefaultHeartbeatInterval
	}
	if p.id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		p.id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	p.sem = semaphore.NewWeighted(int64(p.maxConcurrency))
	return p, nil
}

// ID returns the worker identifier.
func (p *Pool) ID() string { return p.id }

// Run consumes jobs until ctx is cancelled. It returns ctx's error on
// shutdown, any other error as soon as one loop fails.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info(ctx, "worker starting",
		"worker_id", p.id, "max_concurrency", p.maxConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.maxConcurrency; i++ {
		g.Go(func() error {
			return p.queue.Subscribe(gctx, p.Handle)
		})
	}
	if p.heartbeat != nil {
		g.Go(func() error { return p.heartbeatLoop(gctx) })
	}
	if p.reapAfter > 0 {
		g.Go(func() error { return p.reapLoop(gctx) })
	}
	err := g.Wait()
	p.logger.Info(ctx, "worker stopped", "worker_id", p.id)
	return err
}

// Handle dispatches one job to the engine under the concurrency cap. Errors
// propagate to the queue's nack path.
func (p *Pool) Handle(ctx context.Context, job *queue.Job) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.logger.Debug(ctx, "job received",
		"worker_id", p.id, "message_id", job.MessageID,
		"instance_id", job.InstanceID, "type", job.Type.String(), "attempt", job.Attempt)
	p.metrics.IncCounter("flowforge_worker_jobs", 1, "type", job.Type.String())

	var err error
	switch job.Type {
	case queue.JobStart, queue.JobContinue, queue.JobResume, queue.JobRetry:
		_, err = p.engine.Execute(ctx, job.InstanceID)
	case queue.JobCancel:
		_, err = p.engine.Cancel(ctx, job.InstanceID)
	default:
		err = fmt.Errorf("unknown job type %d", job.Type)
	}
	if err != nil {
		p.logger.Warn(ctx, "job failed",
			"worker_id", p.id, "message_id", job.MessageID,
			"instance_id", job.InstanceID, "error", err.Error())
	}
	return err
}

func (p *Pool) heartbeatLoop(ctx context.Context) error {
	ttl := 3 * p.beatInterval
	ticker := time.NewTicker(p.beatInterval)
	defer ticker.Stop()
	for {
		if err := p.heartbeat.Beat(ctx, p.id, ttl); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn(ctx, "heartbeat failed", "worker_id", p.id, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.reapAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		reaped, err := p.engine.ReapTimedOut(ctx, p.reapAfter)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn(ctx, "timeout sweep failed", "worker_id", p.id, "error", err.Error())
			continue
		}
		if len(reaped) > 0 {
			p.logger.Warn(ctx, "instances timed out", "worker_id", p.id, "count", len(reaped))
		}
	}
}
