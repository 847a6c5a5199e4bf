// Package activity defines the handler contract the engine dispatches on:
// a name-to-handler registry populated at startup, a per-call execution
// context, and the tagged result variants a handler can return.
//
// Handlers are identified by a case-insensitive type string. The engine is
// at-least-once: a handler may observe replays of the same attempt and must
// be idempotent or tolerate re-execution.
package activity

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/flowforge/flowforge/expr/script"
	"github.com/flowforge/flowforge/telemetry"
	"github.com/flowforge/flowforge/workflow"
)

type (
	// Handler executes one activity attempt. Execute returns exactly one
	// Result variant; a non-nil error is converted by the engine into a
	// retriable failure unless it is the context's cancellation error,
	// which propagates as cancellation.
	Handler interface {
		Execute(ctx context.Context, actx *Context) (Result, error)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, actx *Context) (Result, error)

	// Context carries everything a handler may need for one attempt.
	Context struct {
		// Instance is a read-only snapshot of the workflow instance.
		Instance *workflow.Instance
		// Definition is the activity being executed.
		Definition *workflow.ActivityDefinition
		// Input is the resolved input map (input mappings already applied).
		Input map[string]any
		// Attempt is the 1-based attempt number for this traversal.
		Attempt int
		// Services locates handler-internal dependencies. Handlers declare
		// what they need at registration time; nothing is resolved from
		// ambient globals.
		Services *Services
	}

	// Services is the narrow service locator passed to handlers.
	Services struct {
		// Logger receives handler diagnostics.
		Logger telemetry.Logger
		// Script evaluates bounded scripted expressions.
		Script *script.Evaluator
		// HTTPClient performs outbound HTTP calls.
		HTTPClient *http.Client
	}

	// Result is the tagged outcome of a handler execution. Exactly three
	// variants exist: Ok, Suspend and Fail.
	Result interface {
		isResult()
	}

	// Ok reports success with the handler output and an optional explicit
	// next activity, overriding transition choice.
	Ok struct {
		Output         map[string]any
		NextActivityID string
	}

	// Suspend requests suspension of the instance until the named signal
	// arrives.
	Suspend struct {
		Key string
	}

	// Fail reports a handler failure. Retriable failures are subject to the
	// effective retry policy.
	Fail struct {
		Code      string
		Message   string
		Retriable bool
	}

	// Registry maps activity type names to handlers. It is populated during
	// startup and read-only afterwards; lookups are safe for concurrent use.
	Registry struct {
		mu       sync.RWMutex
		handlers map[string]Handler
	}
)

func (Ok) isResult()      {}
func (Suspend) isResult() {}
func (Fail) isResult()    {}

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, actx *Context) (Result, error) {
	return f(ctx, actx)
}

// NewRegistry constructs an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an activity type name. Names are
// case-insensitive; registering a duplicate name is an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("activity type name is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is required", name)
	}
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("activity type %q already registered", name)
	}
	r.handlers[key] = h
	return nil
}

// Lookup returns the handler for an activity type name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(name)]
	return h, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
