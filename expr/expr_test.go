package expr

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/workflow"
)

func testInstance() *workflow.Instance {
	return &workflow.Instance{
		Input: map[string]any{
			"n":    float64(42),
			"name": "alice",
			"nested": map[string]any{
				"deep": map[string]any{"leaf": "found"},
			},
		},
		State:  map[string]any{"count": float64(3), "flag": true},
		Output: map[string]any{"result": "done"},
	}
}

func TestResolvePaths(t *testing.T) {
	inst := testInstance()
	cases := []struct {
		path string
		want any
	}{
		{"input.n", float64(42)},
		{"input.name", "alice"},
		{"input.nested.deep.leaf", "found"},
		{"state.count", float64(3)},
		{"state.flag", true},
		{"output.result", "done"},
		{"input.missing", nil},
		{"input.nested.missing.leaf", nil},
		{"state.count.leaf", nil}, // non-map intermediate
		{`"literal string"`, "literal string"},
		{"3.5", 3.5},
		{"true", true},
		{"false", false},
		{"rawtoken", "rawtoken"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Resolve(c.path, inst), "path %q", c.path)
	}
}

func TestEvalPredicate(t *testing.T) {
	inst := testInstance()
	cases := []struct {
		cond string
		want bool
	}{
		{"", true},            // empty is unconditional
		{"input.n", true},     // fewer than three tokens
		{"input.n >", true},   // still fewer than three
		{"input.n == 42", true},
		{"input.n != 42", false},
		{"input.name == alice", true},
		{`input.name == "alice"`, true},
		{"input.n > 10", true},
		{"input.n > 100", false},
		{"input.n >= 42", true},
		{"input.n < 42", false},
		{"input.n <= 42", true},
		{"input.name > 10", false}, // non-numeric side
		{"input.name contains lic", true},
		{"input.name startsWith al", true},
		{"input.name endsWith ice", true},
		{"input.name endsWith xxx", false},
		{"state.flag == true", true},
		{"input.missing == nope", false},
		{"input.n ~~ 42", false}, // unknown operator
	}
	for _, c := range cases {
		require.Equal(t, c.want, EvalPredicate(c.cond, inst), "cond %q", c.cond)
	}
}

func TestInterpolate(t *testing.T) {
	inst := testInstance()
	require.Equal(t, "hello alice, n=42", Interpolate("hello ${input.name}, n=${input.n}", inst))
	require.Equal(t, "missing: ", Interpolate("missing: ${input.nope}", inst))
	require.Equal(t, "tail ${unterminated", Interpolate("tail ${unterminated", inst))
	require.Equal(t, "no placeholders", Interpolate("no placeholders", inst))
}

// Interpolating a single placeholder over any stored string value must
// round-trip that value exactly.
func TestInterpolateRoundTripsStrings(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("string values survive interpolation", prop.ForAll(
		func(v string) bool {
			inst := &workflow.Instance{Input: map[string]any{"v": v}}
			return Interpolate("${input.v}", inst) == v
		},
		gen.AlphaString(),
	))
	properties.Property("numeric compare is consistent with Go floats", prop.ForAll(
		func(a, b int) bool {
			inst := &workflow.Instance{Input: map[string]any{"a": float64(a), "b": float64(b)}}
			return EvalPredicate("input.a <= input.b", inst) == (a <= b)
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
	))
	properties.TestingRun(t)
}

func TestStringify(t *testing.T) {
	require.Equal(t, "", Stringify(nil))
	require.Equal(t, "42", Stringify(float64(42)))
	require.Equal(t, "3.5", Stringify(3.5))
	require.Equal(t, "true", Stringify(true))
	require.Equal(t, "x", Stringify("x"))
}
