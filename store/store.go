// Package store defines the persistence port: three repositories covering
// workflow definitions, workflow instances and activity execution history.
//
// Implementations must bound every operation's wall-clock time (short
// per-call timeouts) and are free to choose their own storage layout as long
// as the persisted JSON uses camelCase keys and ordinal integers for
// enumerated fields. Two implementations ship with FlowForge: store/inmem
// for tests and local development, and store/postgres for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/flowforge/workflow"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict indicates a concurrent save raced for the same
	// definition version.
	ErrVersionConflict = errors.New("definition version conflict")
)

type (
	// Definitions persists workflow definitions. Saving is versioned:
	// Save assigns version max(existing)+1 and atomically deactivates all
	// prior versions of the same name.
	Definitions interface {
		// Get returns the definition for (name, version). Version 0 resolves
		// the active latest version.
		Get(ctx context.Context, name string, version int) (*workflow.Definition, error)
		// GetAllVersions returns every version of a name, ascending.
		GetAllVersions(ctx context.Context, name string) ([]*workflow.Definition, error)
		// List returns the latest version of every definition; inactive
		// definitions are included only when includeInactive is set.
		List(ctx context.Context, includeInactive bool) ([]*workflow.Definition, error)
		// Save validates and stores def under the next version, deactivating
		// prior versions. The stored definition is returned.
		Save(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error)
		// SetActive flips the IsActive flag of one version. Activating a
		// version deactivates the others.
		SetActive(ctx context.Context, name string, version int, active bool) error
		// Delete removes one version.
		Delete(ctx context.Context, name string, version int) error
		// Exists reports whether any version of name exists.
		Exists(ctx context.Context, name string) (bool, error)
	}

	// Instances persists workflow instances.
	Instances interface {
		Get(ctx context.Context, id string) (*workflow.Instance, error)
		// GetByCorrelation returns the most recently created instance with
		// the given correlation ID.
		GetByCorrelation(ctx context.Context, correlationID string) (*workflow.Instance, error)
		// Query returns a filtered, sorted page of instances and the total
		// match count.
		Query(ctx context.Context, filter InstanceFilter, sort Sort, page Page) ([]*workflow.Instance, int, error)
		GetByStatus(ctx context.Context, status workflow.InstanceStatus, limit int) ([]*workflow.Instance, error)
		Create(ctx context.Context, inst *workflow.Instance) error
		Update(ctx context.Context, inst *workflow.Instance) error
		Delete(ctx context.Context, id string) error
		// GetTimedOut returns Running instances whose UpdatedAt is older
		// than now minus olderThan. The timeout reaper uses this to mark
		// stale instances TimedOut.
		GetTimedOut(ctx context.Context, olderThan time.Duration) ([]*workflow.Instance, error)
		Stats(ctx context.Context) (InstanceStats, error)
	}

	// Executions persists the append-only activity attempt history.
	Executions interface {
		// GetByInstance returns an instance's executions ordered by
		// StartedAt ascending.
		GetByInstance(ctx context.Context, instanceID string) ([]*workflow.Execution, error)
		Get(ctx context.Context, id string) (*workflow.Execution, error)
		Create(ctx context.Context, exec *workflow.Execution) error
		// Update finalizes an attempt row (output, error, completion).
		// Rows are never updated after the attempt reaches a terminal
		// status.
		Update(ctx context.Context, exec *workflow.Execution) error
		// GetLatest returns the highest-attempt execution of an activity
		// within an instance.
		GetLatest(ctx context.Context, instanceID, activityID string) (*workflow.Execution, error)
	}

	// Store bundles the three repositories.
	Store struct {
		Definitions Definitions
		Instances   Instances
		Executions  Executions
	}

	// InstanceFilter restricts instance queries. Zero fields do not filter.
	InstanceFilter struct {
		WorkflowName  string
		Statuses      []workflow.InstanceStatus
		CorrelationID string
		Tag           string
		CreatedFrom   *time.Time
		CreatedTo     *time.Time
	}

	// Sort orders instance query results.
	Sort struct {
		// Field is one of "createdAt", "updatedAt", "completedAt".
		// Empty means "createdAt".
		Field string
		// Descending reverses the order.
		Descending bool
	}

	// Page selects a window of query results.
	Page struct {
		Offset int
		Limit  int
	}

	// InstanceStats summarizes instance counts by status.
	InstanceStats struct {
		Total    int64
		ByStatus map[workflow.InstanceStatus]int64
	}
)

// Matches reports whether an instance satisfies the filter.
func (f InstanceFilter) Matches(inst *workflow.Instance) bool {
	if f.WorkflowName != "" && inst.WorkflowName != f.WorkflowName {
		return false
	}
	if f.CorrelationID != "" && inst.CorrelationID != f.CorrelationID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if inst.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tag != "" {
		found := false
		for _, tag := range inst.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedFrom != nil && inst.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && inst.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}
