// Package workflow defines the FlowForge data model: versioned workflow
// definitions (activities plus guarded transitions), live workflow instances,
// and per-attempt activity execution records.
//
// # Core Concepts
//
// Definition (blueprint layer):
//   - Immutable once saved; identified by (Name, Version)
//   - Saving under an existing name creates version max+1 and deactivates
//     prior versions; only IsActive is mutable afterwards
//
// Instance (execution layer):
//   - A single durable execution of a definition with its own input, output
//     and scratchpad state
//   - Advances through activities under a per-instance distributed lock
//
// Execution (history layer):
//   - Append-only record of one attempt of one activity within an instance
//   - Keyed by (instance, activity, attempt); never updated after the
//     attempt reaches a terminal status
package workflow

import (
	"time"

	"github.com/robfig/cron/v3"
)

type (
	// Definition is a versioned workflow blueprint. It is immutable once
	// saved; new saves under the same name produce new versions.
	Definition struct {
		// Name identifies the workflow. Together with Version it forms the
		// primary key.
		Name string `json:"name"`
		// Version is assigned on save (max existing + 1, starting at 1).
		Version int `json:"version"`
		// Description is free-form documentation.
		Description string `json:"description,omitempty"`
		// StartActivityID names the entry activity. Must reference an
		// activity in Activities.
		StartActivityID string `json:"startActivityId"`
		// Activities is the ordered set of steps. IDs are unique within the
		// definition.
		Activities []ActivityDefinition `json:"activities"`
		// Transitions are the directed, optionally guarded edges between
		// activities.
		Transitions []TransitionDefinition `json:"transitions,omitempty"`
		// InputSchema, when set, validates instance input at start time.
		InputSchema *Schema `json:"inputSchema,omitempty"`
		// OutputSchema, when set, projects the final instance output to the
		// schema's property keys.
		OutputSchema *Schema `json:"outputSchema,omitempty"`
		// Trigger describes how instances of this definition are started.
		Trigger *Trigger `json:"trigger,omitempty"`
		// DefaultRetryPolicy applies to activities without their own policy.
		DefaultRetryPolicy *RetryPolicy `json:"defaultRetryPolicy,omitempty"`
		// Timeout bounds each activity execution unless the activity sets its
		// own timeout. Zero means use the engine default.
		Timeout time.Duration `json:"timeout,omitempty"`
		// Tags carry caller-provided classification labels.
		Tags []string `json:"tags,omitempty"`
		// IsActive marks the version resolved by name-only lookups. At most
		// one version per name is active.
		IsActive bool `json:"isActive"`
		// CreatedAt records when this version was saved.
		CreatedAt time.Time `json:"createdAt"`
		// UpdatedAt records the last IsActive flip.
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// ActivityDefinition describes a single step of a workflow.
	ActivityDefinition struct {
		// ID is the activity identifier, unique within the definition.
		ID string `json:"id"`
		// Type keys into the activity registry (case-insensitive).
		Type string `json:"type"`
		// Name is an optional display name.
		Name string `json:"name,omitempty"`
		// Properties is static handler configuration.
		Properties map[string]any `json:"properties,omitempty"`
		// InputMappings maps handler input names to expressions evaluated
		// against the instance (see the expr package).
		InputMappings map[string]string `json:"inputMappings,omitempty"`
		// OutputMappings maps instance state keys to handler output names.
		OutputMappings map[string]string `json:"outputMappings,omitempty"`
		// Condition, when set, is a predicate evaluated before execution.
		// A false result skips the activity and follows its transitions.
		Condition string `json:"condition,omitempty"`
		// Timeout overrides the definition timeout for this activity.
		Timeout time.Duration `json:"timeout,omitempty"`
		// RetryPolicy overrides the definition default for this activity.
		RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty"`
	}

	// TransitionDefinition is a directed edge between two activities.
	TransitionDefinition struct {
		// From and To reference activity IDs within the same definition.
		From string `json:"from"`
		To   string `json:"to"`
		// Condition, when set, is a predicate guarding the edge. An empty
		// condition matches unconditionally.
		Condition string `json:"condition,omitempty"`
		// Priority orders candidate transitions; lower fires first.
		// Zero means DefaultTransitionPriority.
		Priority int `json:"priority,omitempty"`
		// IsDefault marks a fallback edge used only when no non-default
		// transition matched.
		IsDefault bool `json:"isDefault,omitempty"`
	}

	// Trigger describes how instances of a definition are started.
	Trigger struct {
		// Type selects the trigger kind.
		Type TriggerType `json:"type"`
		// CronExpression is the six-field (seconds included) schedule for
		// Scheduled triggers.
		CronExpression string `json:"cronExpression,omitempty"`
		// Input is the instance input supplied on scheduled starts.
		Input map[string]any `json:"input,omitempty"`
	}

	// RetryPolicy controls retries of a failed activity attempt.
	RetryPolicy struct {
		// MaxAttempts caps total attempts for one activity traversal.
		MaxAttempts int `json:"maxAttempts"`
		// InitialDelay is the delay before the first retry.
		InitialDelay time.Duration `json:"initialDelay"`
		// MaxDelay caps the backoff growth.
		MaxDelay time.Duration `json:"maxDelay"`
		// BackoffMultiplier scales the delay after each retry. Values below 1
		// are treated as 1.
		BackoffMultiplier float64 `json:"backoffMultiplier"`
		// RetryOn, when non-empty, restricts retries to the listed error
		// codes.
		RetryOn []string `json:"retryOn,omitempty"`
		// DoNotRetryOn lists error codes that are never retried. Takes
		// precedence over RetryOn.
		DoNotRetryOn []string `json:"doNotRetryOn,omitempty"`
	}

	// TriggerType enumerates how instances are started. Persisted as its
	// ordinal integer.
	TriggerType int
)

const (
	// TriggerManual starts instances via explicit API calls.
	TriggerManual TriggerType = iota
	// TriggerScheduled starts instances from the cron scheduler.
	TriggerScheduled
	// TriggerEvent starts instances from external events.
	TriggerEvent
	// TriggerWebhook starts instances from inbound webhooks.
	TriggerWebhook
	// TriggerWorkflow starts instances from a parent workflow.
	TriggerWorkflow
)

// DefaultTransitionPriority is used when a transition declares no priority.
const DefaultTransitionPriority = 100

// String returns the trigger type name for logs.
func (t TriggerType) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerScheduled:
		return "scheduled"
	case TriggerEvent:
		return "event"
	case TriggerWebhook:
		return "webhook"
	case TriggerWorkflow:
		return "workflow"
	default:
		return "unknown"
	}
}

// cronParser accepts the standard six-field grammar with a seconds field,
// e.g. "0 * * * * *" fires every minute.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseCron parses a six-field cron expression. The scheduler and definition
// validation share this parser so a definition that validates is guaranteed
// schedulable.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Activity returns the activity definition with the given ID.
func (d *Definition) Activity(id string) (*ActivityDefinition, bool) {
	for i := range d.Activities {
		if d.Activities[i].ID == id {
			return &d.Activities[i], true
		}
	}
	return nil, false
}

// TransitionsFrom returns the transitions leaving the given activity sorted
// by ascending priority. Declaration order breaks priority ties.
func (d *Definition) TransitionsFrom(from string) []TransitionDefinition {
	var out []TransitionDefinition
	for _, t := range d.Transitions {
		if t.From == from {
			out = append(out, t)
		}
	}
	// Insertion sort keeps the declaration order stable for equal priorities.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].EffectivePriority() < out[j-1].EffectivePriority(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// EffectivePriority returns the declared priority or the default when unset.
func (t TransitionDefinition) EffectivePriority() int {
	if t.Priority == 0 {
		return DefaultTransitionPriority
	}
	return t.Priority
}

// Normalize returns the delay multiplier with sub-unity values clamped to 1.
func (p *RetryPolicy) multiplier() float64 {
	if p.BackoffMultiplier < 1 {
		return 1
	}
	return p.BackoffMultiplier
}

// Delay computes the backoff before retry attempt n (1-based retry count):
// min(InitialDelay * multiplier^(n-1), MaxDelay).
func (p *RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < retry; i++ {
		d *= p.multiplier()
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Allows reports whether an error code is retriable under this policy's
// RetryOn/DoNotRetryOn filters. DoNotRetryOn wins over RetryOn.
func (p *RetryPolicy) Allows(code string) bool {
	for _, c := range p.DoNotRetryOn {
		if c == code {
			return false
		}
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, c := range p.RetryOn {
		if c == code {
			return true
		}
	}
	return false
}
