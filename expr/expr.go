// Package expr implements the expression surfaces used by the engine and by
// activity input mappings: dotted path resolution against an instance,
// three-token comparison predicates, and ${path} template interpolation.
//
// The engine's own transition guards only ever need these simple semantics.
// Richer, scripted expressions live in expr/script and are exposed to
// activity handlers, never used internally.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowforge/flowforge/workflow"
)

// Resolve evaluates a path expression against an instance:
//
//   - "input.X.Y", "state.X.Y", "output.X.Y" walk the corresponding map;
//     a missing intermediate or leaf key yields nil, never an error
//   - a double-quoted token returns the literal string, unquoted
//   - otherwise the token parses as a number, then as a boolean, and falls
//     back to the raw token unchanged
func Resolve(path string, inst *workflow.Instance) any {
	path = strings.TrimSpace(path)
	if len(path) >= 2 && strings.HasPrefix(path, `"`) && strings.HasSuffix(path, `"`) {
		return path[1 : len(path)-1]
	}
	root, rest, dotted := strings.Cut(path, ".")
	var m map[string]any
	switch root {
	case "input":
		m = inst.Input
	case "state":
		m = inst.State
	case "output":
		m = inst.Output
	default:
		if n, err := strconv.ParseFloat(path, 64); err == nil {
			return n
		}
		if b, err := strconv.ParseBool(path); err == nil && (path == "true" || path == "false") {
			return b
		}
		return path
	}
	if !dotted {
		// Bare root ("input") resolves to the whole map.
		if m == nil {
			return nil
		}
		return m
	}
	return walk(m, rest)
}

func walk(m map[string]any, path string) any {
	cur := any(m)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// EvalPredicate evaluates a "LHS OP RHS" condition against an instance.
// Fewer than three whitespace-separated tokens means the condition is
// unconditional and evaluates to true. Both sides resolve through Resolve.
//
// Supported operators: ==, != (stringwise), <, <=, >, >= (numeric; false if
// either side is not a number), contains, startsWith, endsWith (substring
// over string forms). Unknown operators evaluate to false.
func EvalPredicate(cond string, inst *workflow.Instance) bool {
	fields := strings.Fields(cond)
	if len(fields) < 3 {
		return true
	}
	lhs := Resolve(fields[0], inst)
	op := fields[1]
	rhs := Resolve(fields[2], inst)

	switch op {
	case "==":
		return Stringify(lhs) == Stringify(rhs)
	case "!=":
		return Stringify(lhs) != Stringify(rhs)
	case "<", "<=", ">", ">=":
		ln, lok := asNumber(lhs)
		rn, rok := asNumber(rhs)
		if !lok || !rok {
			return false
		}
		switch op {
		case "<":
			return ln < rn
		case "<=":
			return ln <= rn
		case ">":
			return ln > rn
		default:
			return ln >= rn
		}
	case "contains":
		return strings.Contains(Stringify(lhs), Stringify(rhs))
	case "startsWith":
		return strings.HasPrefix(Stringify(lhs), Stringify(rhs))
	case "endsWith":
		return strings.HasSuffix(Stringify(lhs), Stringify(rhs))
	}
	return false
}

// Interpolate rewrites a template by substituting every ${path} placeholder
// through Resolve. A nil resolution substitutes the empty string. An
// unterminated "${" ends scanning; the remainder is emitted verbatim.
func Interpolate(tmpl string, inst *workflow.Instance) string {
	var b strings.Builder
	for {
		start := strings.Index(tmpl, "${")
		if start < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.Index(tmpl[start:], "}")
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:start])
		path := tmpl[start+2 : start+end]
		if v := Resolve(path, inst); v != nil {
			b.WriteString(Stringify(v))
		}
		tmpl = tmpl[start+end+1:]
	}
}

// Stringify renders a resolved value in its canonical string form: nil is
// empty, numbers drop insignificant zeros, booleans are "true"/"false".
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		// JSON-shaped compound values compare by their Go rendering; the
		// equality operators only promise stringwise semantics.
		return fmt.Sprint(t)
	}
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	}
	return 0, false
}
