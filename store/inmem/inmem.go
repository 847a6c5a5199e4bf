// Package inmem provides in-memory implementations of the store
// repositories for testing and local development. Rows live in maps behind
// RWMutexes with no persistence across restarts; records are defensively
// copied on read and write so callers cannot mutate stored state.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/flowforge/store"
	"github.com/flowforge/flowforge/workflow"
)

type (
	// DefinitionStore implements store.Definitions in memory.
	DefinitionStore struct {
		mu   sync.RWMutex
		defs map[string][]*workflow.Definition // name -> versions ascending
	}

	// InstanceStore implements store.Instances in memory.
	InstanceStore struct {
		mu        sync.RWMutex
		instances map[string]*workflow.Instance
	}

	// ExecutionStore implements store.Executions in memory.
	ExecutionStore struct {
		mu    sync.RWMutex
		execs map[string]*workflow.Execution
		// order preserves creation order per instance so equal timestamps
		// still list deterministically.
		order map[string][]string
	}
)

// New constructs a store.Store backed entirely by memory.
func New() store.Store {
	return store.Store{
		Definitions: NewDefinitionStore(),
		Instances:   NewInstanceStore(),
		Executions:  NewExecutionStore(),
	}
}

// NewDefinitionStore constructs an empty in-memory definition repository.
func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{defs: make(map[string][]*workflow.Definition)}
}

// NewInstanceStore constructs an empty in-memory instance repository.
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{instances: make(map[string]*workflow.Instance)}
}

// NewExecutionStore constructs an empty in-memory execution repository.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		execs: make(map[string]*workflow.Execution),
		order: make(map[string][]string),
	}
}

func cloneDefinition(d *workflow.Definition) *workflow.Definition {
	c := *d
	c.Activities = append([]workflow.ActivityDefinition(nil), d.Activities...)
	c.Transitions = append([]workflow.TransitionDefinition(nil), d.Transitions...)
	if d.Tags != nil {
		c.Tags = append([]string(nil), d.Tags...)
	}
	return &c
}

// Get returns (name, version), resolving version 0 to the active latest.
func (s *DefinitionStore) Get(_ context.Context, name string, version int) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.defs[name]
	if len(versions) == 0 {
		return nil, store.ErrNotFound
	}
	if version == 0 {
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].IsActive {
				return cloneDefinition(versions[i]), nil
			}
		}
		return nil, store.ErrNotFound
	}
	for _, d := range versions {
		if d.Version == version {
			return cloneDefinition(d), nil
		}
	}
	return nil, store.ErrNotFound
}

// GetAllVersions returns every version of name, ascending.
func (s *DefinitionStore) GetAllVersions(_ context.Context, name string) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.defs[name]
	if len(versions) == 0 {
		return nil, store.ErrNotFound
	}
	out := make([]*workflow.Definition, len(versions))
	for i, d := range versions {
		out[i] = cloneDefinition(d)
	}
	return out, nil
}

// List returns the latest version per name, optionally including inactive
// definitions, sorted by name.
func (s *DefinitionStore) List(_ context.Context, includeInactive bool) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Definition
	for _, versions := range s.defs {
		latest := versions[len(versions)-1]
		if !includeInactive && !latest.IsActive {
			continue
		}
		out = append(out, cloneDefinition(latest))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Save validates def, assigns the next version, activates it and
// deactivates all prior versions.
func (s *DefinitionStore) Save(_ context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	stored := cloneDefinition(def)
	stored.Version = 1
	if versions := s.defs[def.Name]; len(versions) > 0 {
		stored.Version = versions[len(versions)-1].Version + 1
		for _, prev := range versions {
			prev.IsActive = false
			prev.UpdatedAt = now
		}
	}
	stored.IsActive = true
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.defs[def.Name] = append(s.defs[def.Name], stored)
	return cloneDefinition(stored), nil
}

// SetActive flips one version's active flag; activating deactivates others.
func (s *DefinitionStore) SetActive(_ context.Context, name string, version int, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.defs[name]
	var target *workflow.Definition
	for _, d := range versions {
		if d.Version == version {
			target = d
			break
		}
	}
	if target == nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	if active {
		for _, d := range versions {
			if d.IsActive {
				d.IsActive = false
				d.UpdatedAt = now
			}
		}
	}
	target.IsActive = active
	target.UpdatedAt = now
	return nil
}

// Delete removes one version.
func (s *DefinitionStore) Delete(_ context.Context, name string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.defs[name]
	for i, d := range versions {
		if d.Version == version {
			s.defs[name] = append(versions[:i], versions[i+1:]...)
			if len(s.defs[name]) == 0 {
				delete(s.defs, name)
			}
			return nil
		}
	}
	return store.ErrNotFound
}

// Exists reports whether any version of name exists.
func (s *DefinitionStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.defs[name]
	return ok, nil
}

// Get returns the instance with the given id.
func (s *InstanceStore) Get(_ context.Context, id string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return inst.Clone(), nil
}

// GetByCorrelation returns the most recently created instance with the
// given correlation ID.
func (s *InstanceStore) GetByCorrelation(_ context.Context, correlationID string) (*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *workflow.Instance
	for _, inst := range s.instances {
		if inst.CorrelationID != correlationID {
			continue
		}
		if best == nil || inst.CreatedAt.After(best.CreatedAt) {
			best = inst
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best.Clone(), nil
}

// Query returns a filtered, sorted page and the total match count.
func (s *InstanceStore) Query(_ context.Context, filter store.InstanceFilter, sortBy store.Sort, page store.Page) ([]*workflow.Instance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*workflow.Instance
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			matched = append(matched, inst)
		}
	}
	field := sortBy.Field
	if field == "" {
		field = "createdAt"
	}
	sort.Slice(matched, func(i, j int) bool {
		less := sortKey(matched[i], field).Before(sortKey(matched[j], field))
		if sortBy.Descending {
			return !less
		}
		return less
	})
	total := len(matched)
	if page.Offset > 0 {
		if page.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[page.Offset:]
		}
	}
	if page.Limit > 0 && len(matched) > page.Limit {
		matched = matched[:page.Limit]
	}
	out := make([]*workflow.Instance, len(matched))
	for i, inst := range matched {
		out[i] = inst.Clone()
	}
	return out, total, nil
}

func sortKey(inst *workflow.Instance, field string) time.Time {
	switch field {
	case "updatedAt":
		return inst.UpdatedAt
	case "completedAt":
		if inst.CompletedAt != nil {
			return *inst.CompletedAt
		}
		return time.Time{}
	default:
		return inst.CreatedAt
	}
}

// GetByStatus returns up to limit instances in the given status.
func (s *InstanceStore) GetByStatus(_ context.Context, status workflow.InstanceStatus, limit int) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Instance
	for _, inst := range s.instances {
		if inst.Status != status {
			continue
		}
		out = append(out, inst.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Create stores a new instance.
func (s *InstanceStore) Create(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := inst.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.instances[c.ID] = c
	return nil
}

// Update replaces a stored instance and stamps UpdatedAt.
func (s *InstanceStore) Update(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return store.ErrNotFound
	}
	c := inst.Clone()
	c.UpdatedAt = time.Now().UTC()
	s.instances[c.ID] = c
	inst.UpdatedAt = c.UpdatedAt
	return nil
}

// Delete removes an instance.
func (s *InstanceStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.instances, id)
	return nil
}

// GetTimedOut returns Running instances not updated within olderThan.
func (s *InstanceStore) GetTimedOut(_ context.Context, olderThan time.Duration) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*workflow.Instance
	for _, inst := range s.instances {
		if inst.Status == workflow.StatusRunning && inst.UpdatedAt.Before(cutoff) {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// Stats returns instance counts by status.
func (s *InstanceStore) Stats(_ context.Context) (store.InstanceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := store.InstanceStats{ByStatus: make(map[workflow.InstanceStatus]int64)}
	for _, inst := range s.instances {
		stats.Total++
		stats.ByStatus[inst.Status]++
	}
	return stats, nil
}

func cloneExecution(e *workflow.Execution) *workflow.Execution {
	c := *e
	if e.Input != nil {
		c.Input = make(map[string]any, len(e.Input))
		for k, v := range e.Input {
			c.Input[k] = v
		}
	}
	if e.Output != nil {
		c.Output = make(map[string]any, len(e.Output))
		for k, v := range e.Output {
			c.Output[k] = v
		}
	}
	if e.Error != nil {
		err := *e.Error
		c.Error = &err
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// GetByInstance returns the executions of an instance ordered by StartedAt
// ascending, with creation order breaking timestamp ties.
func (s *ExecutionStore) GetByInstance(_ context.Context, instanceID string) ([]*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[instanceID]
	out := make([]*workflow.Execution, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneExecution(s.execs[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Get returns one execution row.
func (s *ExecutionStore) Get(_ context.Context, id string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneExecution(e), nil
}

// Create appends a new attempt row.
func (s *ExecutionStore) Create(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneExecution(exec)
	s.execs[c.ID] = c
	s.order[c.InstanceID] = append(s.order[c.InstanceID], c.ID)
	return nil
}

// Update finalizes an attempt row.
func (s *ExecutionStore) Update(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[exec.ID]; !ok {
		return store.ErrNotFound
	}
	s.execs[exec.ID] = cloneExecution(exec)
	return nil
}

// GetLatest returns the highest-attempt execution of (instance, activity).
func (s *ExecutionStore) GetLatest(_ context.Context, instanceID, activityID string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *workflow.Execution
	for _, id := range s.order[instanceID] {
		e := s.execs[id]
		if e.ActivityID != activityID {
			continue
		}
		if best == nil || e.Attempt > best.Attempt {
			best = e
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return cloneExecution(best), nil
}
