// Package engine implements the workflow state machine: starting instances,
// advancing them activity by activity under a per-instance lock, suspending
// on signals, resuming, and cancelling.
//
// The advancement loop for one instance is strictly sequential. The engine
// never holds a storage transaction while a handler runs: it loads the
// instance, runs the handler, then persists, each as its own short call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/activity"
	"github.com/flowforge/flowforge/expr"
	"github.com/flowforge/flowforge/lock"
	"github.com/flowforge/flowforge/store"
	"github.com/flowforge/flowforge/telemetry"
	"github.com/flowforge/flowforge/workflow"
)

const (
	// DefaultTimeout bounds a single activity execution when neither the
	// activity nor the definition sets one.
	DefaultTimeout = time.Hour
	// DefaultLockWait bounds how long Execute waits for the instance lock.
	DefaultLockWait = 30 * time.Second
	// DefaultHTTPTimeout bounds outbound calls made by the httpRequest
	// handler when no client is supplied.
	DefaultHTTPTimeout = 30 * time.Second
)

// DefaultRetryPolicy applies when neither the activity nor the definition
// carries a policy.
var DefaultRetryPolicy = workflow.RetryPolicy{
	MaxAttempts:       3,
	InitialDelay:      time.Second,
	MaxDelay:          5 * time.Minute,
	BackoffMultiplier: 2,
}

type (
	// Engine advances workflow instances.
	Engine struct {
		store    *store.Store
		locker   lock.Locker
		registry *activity.Registry
		services *activity.Services
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		defaultTimeout time.Duration
		defaultRetry   workflow.RetryPolicy
		lockWait       time.Duration
		workerID       string
	}

	// Options configures the engine.
	Options struct {
		// Store persists definitions, instances and executions. Required.
		Store *store.Store
		// Locker provides per-instance mutual exclusion. Required.
		Locker lock.Locker
		// Registry resolves activity types to handlers. Required.
		Registry *activity.Registry
		// Services is handed to handlers; a zero-value locator is used when
		// nil. A missing Logger or HTTPClient is filled with the engine
		// logger and a DefaultHTTPTimeout-bounded client.
		Services *activity.Services
		// DefaultTimeout overrides DefaultTimeout when positive.
		DefaultTimeout time.Duration
		// DefaultRetryPolicy overrides DefaultRetryPolicy when MaxAttempts is
		// positive.
		DefaultRetryPolicy workflow.RetryPolicy
		// LockWait overrides DefaultLockWait when positive.
		LockWait time.Duration
		// WorkerID is stamped on instances this engine advances.
		WorkerID string
		// Logger and Metrics receive engine diagnostics. Noop when nil.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// StartOptions names a workflow and its start payload.
	StartOptions struct {
		// Name selects the active definition. Required.
		Name string
		// Input is validated against the definition's input schema.
		Input map[string]any
		// CorrelationID, ParentInstanceID, Tags and Metadata are recorded on
		// the instance verbatim.
		CorrelationID    string
		ParentInstanceID string
		Tags             []string
		Metadata         map[string]any
	}
)

// New constructs an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("locker is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("activity registry is required")
	}
	e := &Engine{
		store:          opts.Store,
		locker:         opts.Locker,
		registry:       opts.Registry,
		services:       opts.Services,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		defaultTimeout: opts.DefaultTimeout,
		defaultRetry:   opts.DefaultRetryPolicy,
		lockWait:       opts.LockWait,
		workerID:       opts.WorkerID,
	}
	if e.services == nil {
		e.services = &activity.Services{}
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.services.Logger == nil {
		e.services.Logger = e.logger
	}
	if e.services.HTTPClient == nil {
		e.services.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultTimeout
	}
	if e.defaultRetry.MaxAttempts <= 0 {
		e.defaultRetry = DefaultRetryPolicy
	}
	if e.lockWait <= 0 {
		e.lockWait = DefaultLockWait
	}
	return e, nil
}

// LockKey returns the lock key guarding an instance.
func LockKey(instanceID string) string { return "instance:" + instanceID }

// Start resolves the active definition, validates the input and creates a
// Pending instance. It does not execute; callers publish a start job or call
// Execute themselves.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*workflow.Instance, error) {
	if opts.Name == "" {
		return nil, Errf(CodeWorkflowNotFound, "workflow name is required")
	}
	def, err := e.store.Definitions.Get(ctx, opts.Name, 0)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errf(CodeWorkflowNotFound, "workflow %q not found", opts.Name)
	}
	if err != nil {
		return nil, Errf(CodeUnexpected, "load definition: %v", err)
	}
	if !def.IsActive {
		return nil, Errf(CodeWorkflowInactive, "workflow %q has no active version", opts.Name)
	}
	if def.InputSchema != nil {
		if verr := def.InputSchema.ValidateInput(opts.Input); verr != nil {
			return nil, Errf(CodeInvalidInput, "%v", verr)
		}
	}

	now := time.Now().UTC()
	inst := &workflow.Instance{
		ID:                uuid.NewString(),
		WorkflowName:      def.Name,
		WorkflowVersion:   def.Version,
		Status:            workflow.StatusPending,
		Input:             opts.Input,
		State:             make(map[string]any),
		CurrentActivityID: def.StartActivityID,
		ParentInstanceID:  opts.ParentInstanceID,
		CorrelationID:     opts.CorrelationID,
		Tags:              opts.Tags,
		Metadata:          opts.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.Instances.Create(ctx, inst); err != nil {
		return nil, Errf(CodeUnexpected, "create instance: %v", err)
	}
	e.logger.Info(ctx, "instance created",
		"instance_id", inst.ID, "workflow", def.Name, "version", def.Version)
	e.metrics.IncCounter("flowforge_engine_instances_started", 1, "workflow", def.Name)
	return inst, nil
}

// Execute advances an instance under its lock until it completes, fails,
// suspends or is cancelled. Executing a terminal instance is a no-op that
// returns the instance unchanged.
func (e *Engine) Execute(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	handle, err := e.acquire(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, handle)

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return inst, nil
	}

	if inst.Status == workflow.StatusPending || inst.Status == workflow.StatusScheduled {
		now := time.Now().UTC()
		inst.Status = workflow.StatusRunning
		inst.StartedAt = &now
	}
	if inst.Status != workflow.StatusRunning {
		return inst, nil
	}
	inst.WorkerID = e.workerID
	if inst.State == nil {
		inst.State = make(map[string]any)
	}

	def, err := e.store.Definitions.Get(ctx, inst.WorkflowName, inst.WorkflowVersion)
	if errors.Is(err, store.ErrNotFound) {
		e.failInstance(ctx, inst, Errf(CodeDefinitionNotFound,
			"definition %s/%d not found", inst.WorkflowName, inst.WorkflowVersion), "")
		return inst, Errf(CodeDefinitionNotFound, "definition %s/%d not found", inst.WorkflowName, inst.WorkflowVersion)
	}
	if err != nil {
		return nil, Errf(CodeUnexpected, "load definition: %v", err)
	}

	if err := e.advance(ctx, inst, def); err != nil {
		return inst, err
	}
	return inst, nil
}

// advance is the loop driving one instance forward while it is Running and
// has a current activity.
func (e *Engine) advance(ctx context.Context, inst *workflow.Instance, def *workflow.Definition) error {
	for inst.Status == workflow.StatusRunning && inst.CurrentActivityID != "" {
		if ctx.Err() != nil {
			e.cancelInstance(ctx, inst)
			return ctx.Err()
		}

		act, ok := def.Activity(inst.CurrentActivityID)
		if !ok {
			ferr := Errf(CodeActivityNotFound, "activity %q not in definition %s/%d",
				inst.CurrentActivityID, def.Name, def.Version)
			e.failInstance(ctx, inst, ferr, inst.CurrentActivityID)
			return ferr
		}

		if act.Condition != "" && !expr.EvalPredicate(act.Condition, inst) {
			e.recordSkipped(ctx, inst, act)
			inst.RetryCount = 0
			e.follow(inst, def, "")
			if err := e.persist(ctx, inst); err != nil {
				return err
			}
			continue
		}

		handler, ok := e.registry.Lookup(act.Type)
		if !ok {
			ferr := Errf(CodeUnknownActivityType, "no handler registered for type %q", act.Type)
			e.failInstance(ctx, inst, ferr, act.ID)
			return ferr
		}

		resolved := resolveInput(act, inst)
		attempt := inst.RetryCount + 1
		exec := &workflow.Execution{
			ID:           uuid.NewString(),
			InstanceID:   inst.ID,
			ActivityID:   act.ID,
			ActivityType: act.Type,
			Status:       workflow.ActivityRunning,
			Input:        resolved,
			Attempt:      attempt,
			StartedAt:    time.Now().UTC(),
		}
		if err := e.store.Executions.Create(ctx, exec); err != nil {
			return Errf(CodeUnexpected, "record execution: %v", err)
		}

		result := e.runHandler(ctx, handler, &activity.Context{
			Instance:   inst.Clone(),
			Definition: act,
			Input:      resolved,
			Attempt:    attempt,
			Services:   e.services,
		}, e.timeoutFor(act, def))

		if ctx.Err() != nil {
			e.finalizeExecution(ctx, exec, workflow.ActivityCancelled, nil, nil)
			e.cancelInstance(ctx, inst)
			return ctx.Err()
		}

		switch r := result.(type) {
		case activity.Ok:
			e.finalizeExecution(ctx, exec, workflow.ActivityCompleted, r.Output, nil)
			inst.RetryCount = 0
			applyOutputMappings(act, inst, r.Output)
			e.follow(inst, def, r.NextActivityID)

		case activity.Suspend:
			e.finalizeExecution(ctx, exec, workflow.ActivitySuspended, nil, nil)
			inst.Status = workflow.StatusSuspended
			inst.State[workflow.KeySuspend] = r.Key
			e.logger.Info(ctx, "instance suspended",
				"instance_id", inst.ID, "activity_id", act.ID, "suspend_key", r.Key)

		case activity.Fail:
			werr := &workflow.Error{
				Code:       r.Code,
				Message:    r.Message,
				ActivityID: act.ID,
				OccurredAt: time.Now().UTC(),
			}
			e.finalizeExecution(ctx, exec, workflow.ActivityFailed, nil, werr)
			retried, err := e.maybeRetry(ctx, inst, def, act, r)
			if err != nil {
				return err
			}
			if !retried {
				e.failInstance(ctx, inst, &Error{Code: r.Code, Message: r.Message}, act.ID)
				return nil
			}
		}

		if err := e.persist(ctx, inst); err != nil {
			return err
		}
	}

	// A resume whose activity has no outgoing transition lands here with no
	// current activity; the instance completes.
	if inst.Status == workflow.StatusRunning && inst.CurrentActivityID == "" {
		e.complete(inst, def)
		if err := e.persist(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

// runHandler invokes the handler under the activity timeout and normalizes
// its outcome to a Result. A handler error or panic becomes a retriable
// failure; a timeout becomes Fail{TIMEOUT}.
func (e *Engine) runHandler(ctx context.Context, handler activity.Handler, actx *activity.Context, timeout time.Duration) activity.Result {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := e.callHandler(tctx, handler, actx)
	e.metrics.RecordTimer("flowforge_engine_activity_duration_ms", time.Since(start),
		"activity_type", actx.Definition.Type)

	if ctx.Err() != nil {
		// Outer cancellation wins over whatever the handler reported.
		return activity.Fail{Code: CodeUnexpected, Message: ctx.Err().Error()}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || tctx.Err() != nil {
			return activity.Fail{
				Code:      CodeTimeout,
				Message:   fmt.Sprintf("activity %q timed out after %s", actx.Definition.ID, timeout),
				Retriable: true,
			}
		}
		return activity.Fail{Code: CodeUnexpected, Message: err.Error(), Retriable: true}
	}
	if result == nil {
		return activity.Ok{}
	}
	return result
}

func (e *Engine) callHandler(ctx context.Context, handler activity.Handler, actx *activity.Context) (result activity.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "activity handler panic",
				"instance_id", actx.Instance.ID, "activity_id", actx.Definition.ID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, actx)
}

// maybeRetry applies the effective retry policy to a failed attempt. When a
// retry is due it increments RetryCount, persists, and sleeps the backoff
// delay under the held lock, honoring cancellation.
func (e *Engine) maybeRetry(ctx context.Context, inst *workflow.Instance, def *workflow.Definition, act *workflow.ActivityDefinition, fail activity.Fail) (bool, error) {
	policy := e.retryPolicyFor(act, def)
	if !fail.Retriable || !policy.Allows(fail.Code) || inst.RetryCount+1 >= policy.MaxAttempts {
		return false, nil
	}
	inst.RetryCount++
	if err := e.persist(ctx, inst); err != nil {
		return false, err
	}
	delay := policy.Delay(inst.RetryCount)
	e.logger.Info(ctx, "retrying activity",
		"instance_id", inst.ID, "activity_id", act.ID,
		"attempt", inst.RetryCount+1, "delay", delay.String(), "code", fail.Code)
	e.metrics.IncCounter("flowforge_engine_retries", 1, "activity_type", act.Type)
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		e.cancelInstance(ctx, inst)
		return false, ctx.Err()
	case <-timer.C:
	}
	return true, nil
}

// follow advances CurrentActivityID to the explicit override or the chosen
// transition; no candidate completes the instance.
func (e *Engine) follow(inst *workflow.Instance, def *workflow.Definition, override string) {
	next := override
	if next == "" {
		next = chooseTransition(def, inst)
	}
	if next == "" {
		e.complete(inst, def)
		return
	}
	inst.CurrentActivityID = next
}

// chooseTransition picks the next activity from the current one: non-default
// transitions in priority order, unconditional or with a true predicate,
// then the first default transition, then none.
func chooseTransition(def *workflow.Definition, inst *workflow.Instance) string {
	candidates := def.TransitionsFrom(inst.CurrentActivityID)
	fallback := ""
	for _, tr := range candidates {
		if tr.IsDefault {
			if fallback == "" {
				fallback = tr.To
			}
			continue
		}
		if tr.Condition == "" || expr.EvalPredicate(tr.Condition, inst) {
			return tr.To
		}
	}
	return fallback
}

// complete moves the instance to Completed and projects its output: the
// subset of state named by the output schema when one exists, the whole
// state otherwise.
func (e *Engine) complete(inst *workflow.Instance, def *workflow.Definition) {
	now := time.Now().UTC()
	inst.Status = workflow.StatusCompleted
	inst.CurrentActivityID = ""
	inst.CompletedAt = &now
	if def != nil && def.OutputSchema != nil && len(def.OutputSchema.Properties) > 0 {
		out := make(map[string]any, len(def.OutputSchema.Properties))
		for key := range def.OutputSchema.Properties {
			if v, ok := inst.State[key]; ok {
				out[key] = v
			}
		}
		inst.Output = out
		return
	}
	out := make(map[string]any, len(inst.State))
	for k, v := range inst.State {
		out[k] = v
	}
	inst.Output = out
}

// ResumeWithSignal delivers a named signal to a Suspended instance and
// advances it. The signal name must match the suspend key; payload fields
// are written into state under the signal prefix.
func (e *Engine) ResumeWithSignal(ctx context.Context, instanceID, signalName string, data map[string]any) (*workflow.Instance, error) {
	handle, err := e.acquire(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		e.release(ctx, handle)
		return nil, err
	}
	if inst.Status != workflow.StatusSuspended {
		e.release(ctx, handle)
		return nil, Errf(CodeNotSuspended, "instance %s is %s, not suspended", inst.ID, inst.Status)
	}
	expected, _ := inst.State[workflow.KeySuspend].(string)
	if expected != signalName {
		e.release(ctx, handle)
		return nil, Errf(CodeSignalMismatch, "instance %s awaits signal %q, got %q", inst.ID, expected, signalName)
	}

	def, err := e.store.Definitions.Get(ctx, inst.WorkflowName, inst.WorkflowVersion)
	if err != nil {
		e.release(ctx, handle)
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errf(CodeDefinitionNotFound, "definition %s/%d not found", inst.WorkflowName, inst.WorkflowVersion)
		}
		return nil, Errf(CodeUnexpected, "load definition: %v", err)
	}

	for k, v := range data {
		inst.State[workflow.SignalKeyPrefix+k] = v
	}
	delete(inst.State, workflow.KeySuspend)
	inst.CurrentActivityID = chooseTransition(def, inst)
	inst.Status = workflow.StatusRunning
	if err := e.persist(ctx, inst); err != nil {
		e.release(ctx, handle)
		return nil, err
	}
	e.release(ctx, handle)

	e.logger.Info(ctx, "instance resumed", "instance_id", inst.ID, "signal", signalName)
	return e.Execute(ctx, instanceID)
}

// Cancel moves a non-terminal instance to Cancelled. Cancelling a terminal
// instance is a no-op that returns the instance unchanged.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	handle, err := e.acquire(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, handle)

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return inst, nil
	}
	e.cancelInstance(ctx, inst)
	return inst, nil
}

// ReapTimedOut marks Running instances whose UpdatedAt is older than the
// cutoff as TimedOut and returns their IDs. Instances whose lock cannot be
// taken promptly are skipped until the next sweep.
func (e *Engine) ReapTimedOut(ctx context.Context, olderThan time.Duration) ([]string, error) {
	stale, err := e.store.Instances.GetTimedOut(ctx, olderThan)
	if err != nil {
		return nil, Errf(CodeUnexpected, "query timed out instances: %v", err)
	}
	var reaped []string
	for _, candidate := range stale {
		handle, err := e.locker.Acquire(ctx, LockKey(candidate.ID), time.Second)
		if err != nil {
			continue
		}
		inst, err := e.load(ctx, candidate.ID)
		if err == nil && inst.Status == workflow.StatusRunning {
			now := time.Now().UTC()
			inst.Status = workflow.StatusTimedOut
			inst.CurrentActivityID = ""
			inst.CompletedAt = &now
			if perr := e.persist(ctx, inst); perr == nil {
				reaped = append(reaped, inst.ID)
				e.logger.Warn(ctx, "instance timed out", "instance_id", inst.ID)
				e.metrics.IncCounter("flowforge_engine_instances_reaped", 1)
			}
		}
		e.release(ctx, handle)
	}
	return reaped, nil
}

func (e *Engine) acquire(ctx context.Context, instanceID string) (lock.Handle, error) {
	handle, err := e.locker.Acquire(ctx, LockKey(instanceID), e.lockWait)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, Errf(CodeLockFailed, "could not lock instance %s within %s", instanceID, e.lockWait)
	}
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (e *Engine) release(ctx context.Context, handle lock.Handle) {
	if err := handle.Release(ctx); err != nil {
		e.logger.Warn(ctx, "lock release failed", "key", handle.Key(), "error", err.Error())
	}
}

func (e *Engine) load(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	inst, err := e.store.Instances.Get(ctx, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errf(CodeInstanceNotFound, "instance %s not found", instanceID)
	}
	if err != nil {
		return nil, Errf(CodeUnexpected, "load instance: %v", err)
	}
	if inst.State == nil {
		inst.State = make(map[string]any)
	}
	return inst, nil
}

func (e *Engine) persist(ctx context.Context, inst *workflow.Instance) error {
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.Instances.Update(ctx, inst); err != nil {
		return Errf(CodeUnexpected, "persist instance: %v", err)
	}
	return nil
}

func (e *Engine) failInstance(ctx context.Context, inst *workflow.Instance, ferr *Error, activityID string) {
	now := time.Now().UTC()
	inst.Status = workflow.StatusFailed
	inst.CurrentActivityID = ""
	inst.CompletedAt = &now
	inst.Error = &workflow.Error{
		Code:       ferr.Code,
		Message:    ferr.Message,
		ActivityID: activityID,
		OccurredAt: now,
	}
	if err := e.persist(ctx, inst); err != nil {
		e.logger.Error(ctx, "persist failed instance", "instance_id", inst.ID, "error", err.Error())
	}
	e.logger.Warn(ctx, "instance failed",
		"instance_id", inst.ID, "code", ferr.Code, "activity_id", activityID)
	e.metrics.IncCounter("flowforge_engine_instances_failed", 1, "code", ferr.Code)
}

func (e *Engine) cancelInstance(ctx context.Context, inst *workflow.Instance) {
	if inst.Terminal() {
		return
	}
	now := time.Now().UTC()
	inst.Status = workflow.StatusCancelled
	inst.CurrentActivityID = ""
	inst.CompletedAt = &now
	if err := e.persist(ctx, inst); err != nil {
		e.logger.Error(ctx, "persist cancelled instance", "instance_id", inst.ID, "error", err.Error())
	}
	e.logger.Info(ctx, "instance cancelled", "instance_id", inst.ID)
	e.metrics.IncCounter("flowforge_engine_instances_cancelled", 1)
}

func (e *Engine) recordSkipped(ctx context.Context, inst *workflow.Instance, act *workflow.ActivityDefinition) {
	now := time.Now().UTC()
	exec := &workflow.Execution{
		ID:           uuid.NewString(),
		InstanceID:   inst.ID,
		ActivityID:   act.ID,
		ActivityType: act.Type,
		Status:       workflow.ActivitySkipped,
		Attempt:      inst.RetryCount + 1,
		StartedAt:    now,
		CompletedAt:  &now,
	}
	if err := e.store.Executions.Create(ctx, exec); err != nil {
		e.logger.Error(ctx, "record skipped execution", "instance_id", inst.ID, "error", err.Error())
	}
}

func (e *Engine) finalizeExecution(ctx context.Context, exec *workflow.Execution, status workflow.ActivityStatus, output map[string]any, werr *workflow.Error) {
	now := time.Now().UTC()
	exec.Status = status
	exec.Output = output
	exec.Error = werr
	exec.CompletedAt = &now
	exec.DurationMS = now.Sub(exec.StartedAt).Milliseconds()
	if err := e.store.Executions.Update(ctx, exec); err != nil {
		e.logger.Error(ctx, "finalize execution", "execution_id", exec.ID, "error", err.Error())
	}
	e.metrics.IncCounter("flowforge_engine_activities_executed", 1,
		"activity_type", exec.ActivityType, "status", status.String())
}

func (e *Engine) timeoutFor(act *workflow.ActivityDefinition, def *workflow.Definition) time.Duration {
	if act.Timeout > 0 {
		return act.Timeout
	}
	if def.Timeout > 0 {
		return def.Timeout
	}
	return e.defaultTimeout
}

func (e *Engine) retryPolicyFor(act *workflow.ActivityDefinition, def *workflow.Definition) *workflow.RetryPolicy {
	if act.RetryPolicy != nil {
		return act.RetryPolicy
	}
	if def.DefaultRetryPolicy != nil {
		return def.DefaultRetryPolicy
	}
	return &e.defaultRetry
}

func resolveInput(act *workflow.ActivityDefinition, inst *workflow.Instance) map[string]any {
	if len(act.InputMappings) == 0 {
		return nil
	}
	resolved := make(map[string]any, len(act.InputMappings))
	for name, path := range act.InputMappings {
		resolved[name] = expr.Resolve(path, inst)
	}
	return resolved
}

func applyOutputMappings(act *workflow.ActivityDefinition, inst *workflow.Instance, output map[string]any) {
	for stateKey, outputName := range act.OutputMappings {
		if v, ok := output[outputName]; ok {
			inst.State[stateKey] = v
		}
	}
}
