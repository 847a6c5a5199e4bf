// Package script provides the extended expression evaluator exposed to
// activity handlers. Expressions are JavaScript, evaluated by an embedded
// interpreter (goja) against the instance's input, state and output plus a
// small utility library.
//
// Every evaluation runs in a fresh interpreter with a wall-clock limit and a
// bounded call stack. Syntax errors, thrown values and limit exhaustion all
// surface as *ExpressionError; the engine never uses this evaluator for its
// own transition guards.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/flowforge/flowforge/workflow"
)

// DefaultTimeout bounds a single evaluation's wall-clock time.
const DefaultTimeout = 5 * time.Second

// defaultMaxCallStack bounds recursion depth inside the interpreter.
const defaultMaxCallStack = 512

type (
	// Evaluator runs bounded JavaScript expressions against an instance.
	// The zero value is not usable; construct with New.
	Evaluator struct {
		timeout      time.Duration
		maxCallStack int
	}

	// Option customizes an Evaluator.
	Option func(*Evaluator)

	// ExpressionError reports a failed evaluation: syntax error, thrown
	// value, or limit exhaustion.
	ExpressionError struct {
		// Expression is the source text that failed.
		Expression string
		// Message describes the failure.
		Message string
	}
)

// Error implements error.
func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression error: %s", e.Message)
}

// WithTimeout overrides the per-evaluation wall-clock limit.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxCallStack overrides the interpreter call-stack bound.
func WithMaxCallStack(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxCallStack = n
		}
	}
}

// New constructs an Evaluator with the default limits.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{timeout: DefaultTimeout, maxCallStack: defaultMaxCallStack}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eval evaluates src against the instance and returns the exported result.
// The instance maps are bound as the globals input, state and output; the
// utility library is bound as global functions. Cancellation of ctx
// interrupts the interpreter.
func (e *Evaluator) Eval(ctx context.Context, src string, inst *workflow.Instance) (any, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(e.maxCallStack)

	snap := inst.Clone()
	if err := bindGlobals(vm, snap); err != nil {
		return nil, &ExpressionError{Expression: src, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("evaluation limit reached")
		case <-done:
		}
	}()

	v, err := vm.RunString(src)
	close(done)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, &ExpressionError{Expression: src, Message: "evaluation limit reached"}
		}
		return nil, &ExpressionError{Expression: src, Message: err.Error()}
	}
	if v == nil {
		return nil, nil
	}
	return normalize(v.Export()), nil
}

func bindGlobals(vm *goja.Runtime, inst *workflow.Instance) error {
	bindings := map[string]any{
		"input":  orEmpty(inst.Input),
		"state":  orEmpty(inst.State),
		"output": orEmpty(inst.Output),
		"now":    func() string { return time.Now().UTC().Format(time.RFC3339Nano) },
		"uuid":   func() string { return uuid.NewString() },
		"round":  math.Round,
		"floor":  math.Floor,
		"ceil":   math.Ceil,
		"abs":    math.Abs,
		"min":    math.Min,
		"max":    math.Max,
		"length": length,
		"first":  first,
		"last":   last,
		"coalesce": func(vals ...any) any {
			for _, v := range vals {
				if v != nil {
					return v
				}
			}
			return nil
		},
		"isEmpty": isEmpty,
		"jsonParse": func(s string) (any, error) {
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"jsonStringify": func(v any) (string, error) {
			raw, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(raw), nil
		},
	}
	for name, v := range bindings {
		if err := vm.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func length(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	}
	return 0
}

func first(v any) any {
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		return arr[0]
	}
	return nil
}

func last(v any) any {
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		return arr[len(arr)-1]
	}
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// normalize maps interpreter exports to the JSON-shaped values the rest of
// the system stores: integral numbers become float64.
func normalize(v any) any {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	}
	return v
}
