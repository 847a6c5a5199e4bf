package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/workflow"
)

func TestEvalArithmetic(t *testing.T) {
	e := New()
	inst := &workflow.Instance{Input: map[string]any{"n": float64(20)}}
	v, err := e.Eval(context.Background(), "input.n * 2 + 2", inst)
	require.NoError(t, err)
	require.Equal(t, float64(42), v)
}

func TestEvalStringAndArrayMethods(t *testing.T) {
	e := New()
	inst := &workflow.Instance{State: map[string]any{"items": []any{"a", "b", "c"}}}
	v, err := e.Eval(context.Background(), `state.items.map(function(s) { return s.toUpperCase() }).join(",")`, inst)
	require.NoError(t, err)
	require.Equal(t, "A,B,C", v)
}

func TestEvalUtilities(t *testing.T) {
	e := New()
	inst := &workflow.Instance{Input: map[string]any{"xs": []any{float64(1), float64(2), float64(3)}}}

	v, err := e.Eval(context.Background(), "length(input.xs) + first(input.xs) + last(input.xs)", inst)
	require.NoError(t, err)
	require.Equal(t, float64(7), v)

	v, err = e.Eval(context.Background(), `coalesce(input.missing, "fallback")`, inst)
	require.NoError(t, err)
	require.Equal(t, "fallback", v)

	v, err = e.Eval(context.Background(), "isEmpty(input.xs)", inst)
	require.NoError(t, err)
	require.Equal(t, false, v)

	v, err = e.Eval(context.Background(), `round(abs(-2.6)) + min(1, 2)`, inst)
	require.NoError(t, err)
	require.Equal(t, float64(4), v)

	v, err = e.Eval(context.Background(), `jsonParse('{"a": 1}').a`, inst)
	require.NoError(t, err)
	require.Equal(t, float64(1), v)

	v, err = e.Eval(context.Background(), "uuid().length", inst)
	require.NoError(t, err)
	require.Equal(t, float64(36), v)
}

func TestEvalSyntaxError(t *testing.T) {
	e := New()
	_, err := e.Eval(context.Background(), "input..n ===", &workflow.Instance{})
	var xerr *ExpressionError
	require.ErrorAs(t, err, &xerr)
}

func TestEvalTimeout(t *testing.T) {
	e := New(WithTimeout(50 * time.Millisecond))
	start := time.Now()
	_, err := e.Eval(context.Background(), "for(;;) {}", &workflow.Instance{})
	var xerr *ExpressionError
	require.ErrorAs(t, err, &xerr)
	require.Contains(t, xerr.Message, "limit")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestEvalRecursionBound(t *testing.T) {
	e := New(WithMaxCallStack(64))
	_, err := e.Eval(context.Background(), "function f() { return f() }; f()", &workflow.Instance{})
	var xerr *ExpressionError
	require.ErrorAs(t, err, &xerr)
}

func TestEvalDoesNotMutateInstance(t *testing.T) {
	e := New()
	inst := &workflow.Instance{State: map[string]any{"k": "v"}}
	_, err := e.Eval(context.Background(), `state.k = "mutated"`, inst)
	require.NoError(t, err)
	require.Equal(t, "v", inst.State["k"], "evaluator sees a snapshot")
}
