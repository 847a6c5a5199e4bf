package workflow

import (
	"time"
)

type (
	// Instance is a live execution of a workflow definition. All structured
	// fields persist as camelCase JSON; statuses persist as their ordinal
	// integers.
	Instance struct {
		// ID is the opaque unique instance identifier.
		ID string `json:"id"`
		// WorkflowName and WorkflowVersion resolve the definition.
		WorkflowName    string `json:"workflowName"`
		WorkflowVersion int    `json:"workflowVersion"`
		// Status is the lifecycle state. Terminal statuses are absorbing.
		Status InstanceStatus `json:"status"`
		// Input is the caller-provided start payload.
		Input map[string]any `json:"input,omitempty"`
		// Output is set once on completion (see output projection).
		Output map[string]any `json:"output,omitempty"`
		// State is the engine's per-instance scratchpad. While suspended it
		// holds the reserved KeySuspend entry; resume payload fields are
		// written as SignalKeyPrefix-prefixed entries.
		State map[string]any `json:"state,omitempty"`
		// CurrentActivityID names the next activity to attempt. Empty when
		// the instance is terminal.
		CurrentActivityID string `json:"currentActivityId,omitempty"`
		// Error is populated only when Status is StatusFailed.
		Error *Error `json:"error,omitempty"`
		// RetryCount counts attempts spent on the current activity. Reset to
		// zero on any success.
		RetryCount int `json:"retryCount"`
		// ParentInstanceID links child workflow instances to their parent.
		ParentInstanceID string `json:"parentInstanceId,omitempty"`
		// CorrelationID is a caller-provided lookup key.
		CorrelationID string `json:"correlationId,omitempty"`
		// WorkerID records the worker that last advanced the instance.
		WorkerID string `json:"workerId,omitempty"`
		// CreatedAt is set on creation, UpdatedAt on every persist.
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
		// StartedAt is set on the first transition out of StatusPending.
		StartedAt *time.Time `json:"startedAt,omitempty"`
		// CompletedAt is set on the first entry into a terminal status.
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		// Tags and Metadata carry caller-provided annotations.
		Tags     []string       `json:"tags,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Execution is the append-only history record of one activity attempt.
	Execution struct {
		// ID is the opaque unique execution identifier.
		ID string `json:"id"`
		// InstanceID references the owning workflow instance.
		InstanceID string `json:"workflowInstanceId"`
		// ActivityID and ActivityType identify the executed activity.
		ActivityID   string `json:"activityId"`
		ActivityType string `json:"activityType"`
		// Status is the attempt outcome.
		Status ActivityStatus `json:"status"`
		// Input is the resolved handler input for this attempt.
		Input map[string]any `json:"input,omitempty"`
		// Output is the handler output on success.
		Output map[string]any `json:"output,omitempty"`
		// Error describes the failure on failed attempts.
		Error *Error `json:"error,omitempty"`
		// Attempt is 1-based within one traversal of the activity.
		Attempt int `json:"attempt"`
		// StartedAt and CompletedAt bound the attempt; DurationMS is their
		// difference in milliseconds.
		StartedAt   time.Time  `json:"startedAt"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		DurationMS  int64      `json:"durationMs"`
	}

	// Error is the persisted error shape shared by instances and executions.
	Error struct {
		// Code is a stable machine-readable error code.
		Code string `json:"code"`
		// Message is the human-readable description.
		Message string `json:"message"`
		// ActivityID names the activity the error originated from, when any.
		ActivityID string `json:"activityId,omitempty"`
		// OccurredAt records when the error was captured.
		OccurredAt time.Time `json:"occurredAt"`
	}

	// InstanceStatus is the instance lifecycle state, persisted as its
	// ordinal integer (Pending=0 .. TimedOut=7).
	InstanceStatus int

	// ActivityStatus is the attempt lifecycle state, persisted as its
	// ordinal integer (Pending=0 .. Cancelled=6).
	ActivityStatus int
)

const (
	// StatusPending indicates the instance was created but never executed.
	StatusPending InstanceStatus = iota
	// StatusScheduled indicates the instance awaits a scheduled start.
	StatusScheduled
	// StatusRunning indicates the engine is advancing the instance.
	StatusRunning
	// StatusSuspended indicates the instance awaits an external signal.
	StatusSuspended
	// StatusCompleted indicates the instance finished successfully.
	StatusCompleted
	// StatusFailed indicates the instance failed permanently.
	StatusFailed
	// StatusCancelled indicates the instance was cancelled externally.
	StatusCancelled
	// StatusTimedOut indicates the instance was reaped after going stale.
	StatusTimedOut
)

const (
	// ActivityPending indicates the attempt was recorded but not started.
	ActivityPending ActivityStatus = iota
	// ActivityRunning indicates the handler is executing.
	ActivityRunning
	// ActivityCompleted indicates the handler returned success.
	ActivityCompleted
	// ActivityFailed indicates the handler returned or raised a failure.
	ActivityFailed
	// ActivitySkipped indicates the pre-execution condition was false.
	ActivitySkipped
	// ActivitySuspended indicates the handler requested suspension.
	ActivitySuspended
	// ActivityCancelled indicates the attempt was cancelled.
	ActivityCancelled
)

const (
	// KeySuspend is the reserved state key holding the expected signal name
	// while an instance is suspended.
	KeySuspend = "_suspend_key"
	// SignalKeyPrefix prefixes state keys written from resume payloads.
	SignalKeyPrefix = "signal_"
)

// Terminal reports whether the status is absorbing: no further writes to
// Status, CurrentActivityID or Output are permitted.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// String returns the status name for logs.
func (s InstanceStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusScheduled:
		return "scheduled"
	case StatusRunning:
		return "running"
	case StatusSuspended:
		return "suspended"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// String returns the activity status name for logs.
func (s ActivityStatus) String() string {
	switch s {
	case ActivityPending:
		return "pending"
	case ActivityRunning:
		return "running"
	case ActivityCompleted:
		return "completed"
	case ActivityFailed:
		return "failed"
	case ActivitySkipped:
		return "skipped"
	case ActivitySuspended:
		return "suspended"
	case ActivityCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the instance is in an absorbing status.
func (i *Instance) Terminal() bool { return i.Status.Terminal() }

// Clone returns a deep copy suitable for handing to activity handlers as a
// read-only snapshot. Map values are copied one level deep; nested values are
// JSON-shaped and treated as immutable by convention.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Input = cloneMap(i.Input)
	c.Output = cloneMap(i.Output)
	c.State = cloneMap(i.State)
	c.Metadata = cloneMap(i.Metadata)
	if i.Tags != nil {
		c.Tags = append([]string(nil), i.Tags...)
	}
	if i.Error != nil {
		e := *i.Error
		c.Error = &e
	}
	if i.StartedAt != nil {
		t := *i.StartedAt
		c.StartedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
