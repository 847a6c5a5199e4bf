// Package scheduler emits scheduled workflow starts. It keeps a schedule
// table derived from active definitions with a Scheduled trigger and, on
// every tick, starts instances whose cron fired and publishes their start
// jobs. A missed window is skipped, not replayed.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowforge/flowforge/engine"
	"github.com/flowforge/flowforge/lock"
	"github.com/flowforge/flowforge/queue"
	"github.com/flowforge/flowforge/store"
	"github.com/flowforge/flowforge/telemetry"
	"github.com/flowforge/flowforge/workflow"
)

const (
	// DefaultCheckInterval paces schedule evaluation.
	DefaultCheckInterval = 10 * time.Second
	// DefaultMaxStartsPerCheck caps instance starts per tick.
	DefaultMaxStartsPerCheck = 100
	// StartPriority is the job priority of scheduled starts.
	StartPriority = 50
	// TriggerNowPriority is the job priority of forced starts.
	TriggerNowPriority = 10
	// LeaderKey is the lock key electing a single scheduler replica.
	LeaderKey = "scheduler:leader"
)

type (
	// Scheduler owns the schedule table and the tick loop.
	Scheduler struct {
		engine  *engine.Engine
		store   *store.Store
		queue   queue.Queue
		locker  lock.Locker
		logger  telemetry.Logger
		metrics telemetry.Metrics

		interval  time.Duration
		maxStarts int
		loc       *time.Location

		mu        sync.Mutex
		schedules map[string]*Schedule
	}

	// Options configures the scheduler.
	Options struct {
		// Engine starts instances. Required.
		Engine *engine.Engine
		// Store lists definitions. Required.
		Store *store.Store
		// Queue receives start jobs. Required.
		Queue queue.Queue
		// Locker elects a leader among scheduler replicas. Every replica
		// ticks unconditionally when nil.
		Locker lock.Locker
		// CheckInterval overrides DefaultCheckInterval when positive.
		CheckInterval time.Duration
		// MaxStartsPerCheck overrides DefaultMaxStartsPerCheck when positive.
		MaxStartsPerCheck int
		// Location is the cron evaluation timezone; UTC when nil.
		Location *time.Location
		// Logger and Metrics receive scheduler diagnostics. Noop when nil.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Schedule is one entry of the schedule table. External readers get
	// snapshot copies.
	Schedule struct {
		WorkflowName    string
		WorkflowVersion int
		CronExpression  string
		Input           map[string]any
		Enabled         bool
		LastRun         time.Time
		NextRun         time.Time

		sched cron.Schedule
	}
)

// New constructs a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	s := &Scheduler{
		engine:    opts.Engine,
		store:     opts.Store,
		queue:     opts.Queue,
		locker:    opts.Locker,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		interval:  opts.CheckInterval,
		maxStarts: opts.MaxStartsPerCheck,
		loc:       opts.Location,
		schedules: make(map[string]*Schedule),
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.interval <= 0 {
		s.interval = DefaultCheckInterval
	}
	if s.maxStarts <= 0 {
		s.maxStarts = DefaultMaxStartsPerCheck
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s, nil
}

// Refresh rebuilds the schedule table from active definitions carrying a
// Scheduled trigger. Definitions with an unparseable cron are logged and
// skipped. Existing last/next run markers survive the rebuild.
func (s *Scheduler) Refresh(ctx context.Context) error {
	defs, err := s.store.Definitions.List(ctx, false)
	if err != nil {
		return err
	}
	now := time.Now().In(s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*Schedule, len(defs))
	for _, def := range defs {
		if def.Trigger == nil || def.Trigger.Type != workflow.TriggerScheduled {
			continue
		}
		sched, err := workflow.ParseCron(def.Trigger.CronExpression)
		if err != nil {
			s.logger.Warn(ctx, "skipping invalid cron",
				"workflow", def.Name, "cron", def.Trigger.CronExpression, "error", err.Error())
			continue
		}
		entry := &Schedule{
			WorkflowName:    def.Name,
			WorkflowVersion: def.Version,
			CronExpression:  def.Trigger.CronExpression,
			Input:           def.Trigger.Input,
			Enabled:         true,
			NextRun:         sched.Next(now),
			sched:           sched,
		}
		if prev, ok := s.schedules[def.Name]; ok && prev.CronExpression == entry.CronExpression {
			entry.LastRun = prev.LastRun
			entry.NextRun = prev.NextRun
			entry.Enabled = prev.Enabled
		}
		next[def.Name] = entry
	}
	s.schedules = next
	s.logger.Info(ctx, "schedule table refreshed", "entries", len(next))
	return nil
}

// SetEnabled flips one schedule entry without touching its run markers.
func (s *Scheduler) SetEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.schedules[name]
	if ok {
		entry.Enabled = enabled
	}
	return ok
}

// Schedules returns a snapshot copy of the schedule table.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, entry := range s.schedules {
		out = append(out, *entry)
	}
	return out
}

// Run refreshes the table and ticks every check interval until ctx is
// cancelled. With a locker configured, replicas race for the leader lease
// each tick and non-leaders skip it.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.logger.Info(ctx, "scheduler starting", "check_interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.tickAsLeader(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error(ctx, "scheduler tick failed", "error", err.Error())
		}
	}
}

func (s *Scheduler) tickAsLeader(ctx context.Context) error {
	if s.locker != nil {
		handle, err := s.locker.Acquire(ctx, LeaderKey, time.Second)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if rerr := handle.Release(ctx); rerr != nil {
				s.logger.Warn(ctx, "leader lock release failed", "error", rerr.Error())
			}
		}()
	}
	return s.Tick(ctx)
}

// Tick starts every due schedule, up to the per-check cap.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now().In(s.loc)
	due := s.takeDue(now)
	for _, entry := range due {
		if err := s.startOne(ctx, entry.WorkflowName, entry.Input, StartPriority); err != nil {
			s.logger.Error(ctx, "scheduled start failed",
				"workflow", entry.WorkflowName, "error", err.Error())
			continue
		}
		s.metrics.IncCounter("flowforge_scheduler_starts", 1, "workflow", entry.WorkflowName)
	}
	return nil
}

// takeDue collects due entries and advances their run markers under the
// table mutex, so a slow downstream start never blocks other readers.
func (s *Scheduler) takeDue(now time.Time) []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Schedule
	for _, entry := range s.schedules {
		if len(due) >= s.maxStarts {
			break
		}
		if !entry.Enabled || entry.NextRun.IsZero() || entry.NextRun.After(now) {
			continue
		}
		entry.LastRun = now
		entry.NextRun = entry.sched.Next(now)
		copied := *entry
		due = append(due, &copied)
	}
	return due
}

// TriggerNow forces one start of a scheduled workflow at high priority. Run
// markers are not touched, so the regular schedule is unaffected.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) (*workflow.Instance, error) {
	s.mu.Lock()
	entry, ok := s.schedules[name]
	var input map[string]any
	if ok {
		input = entry.Input
	}
	s.mu.Unlock()
	if !ok {
		return nil, engine.Errf(engine.CodeWorkflowNotFound, "no schedule for workflow %q", name)
	}
	inst, err := s.engine.Start(ctx, engine.StartOptions{Name: name, Input: input})
	if err != nil {
		return nil, err
	}
	if err := s.queue.Publish(ctx, &queue.Job{
		InstanceID: inst.ID,
		Type:       queue.JobStart,
		Priority:   TriggerNowPriority,
	}); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *Scheduler) startOne(ctx context.Context, name string, input map[string]any, priority int) error {
	inst, err := s.engine.Start(ctx, engine.StartOptions{Name: name, Input: input})
	if err != nil {
		return err
	}
	return s.queue.Publish(ctx, &queue.Job{
		InstanceID: inst.ID,
		Type:       queue.JobStart,
		Priority:   priority,
	})
}
