// Package render implements the Context Renderer (spec §4.4): a pure,
// side-effect-free function from (task template, scope) to a rendered task.
//
// The expression grammar is intentionally minimal — dotted identifier paths
// into the scope, an optional `| default(value)` filter, and a small set of
// comparison operators for transition guards — per spec §9's instruction to
// treat templating as an opaque render function rather than adopt a full
// expression language.
package render

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var placeholder = func() func(string) (start, end int, ok bool) {
	return func(s string) (int, int, bool) {
		start := strings.Index(s, "{{")
		if start < 0 {
			return 0, 0, false
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			return 0, 0, false
		}
		return start, start + end + 2, true
	}
}()

// Scope is the layered render context. Layers are merged lowest to highest
// precedence: Workload < Payload < PredecessorResults < IteratorBinding <
// TransitionOverlay, matching spec §4.4.
type Scope struct {
	Workload           json.RawMessage
	Payload            json.RawMessage
	PredecessorResults map[string]json.RawMessage // keyed by step name, exposed as <step>.data
	IteratorBinding    json.RawMessage            // <element> and index, when applicable
	TransitionOverlay  json.RawMessage            // broker-attached `data` overlay
}

// Merge flattens the scope's layers into one JSON object, highest-precedence
// layer winning on key collision.
func (s Scope) Merge() (json.RawMessage, error) {
	merged := []byte("{}")
	var err error

	merge := func(layer json.RawMessage) error {
		if len(layer) == 0 {
			return nil
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(layer, &obj); err != nil {
			return fmt.Errorf("render: layer is not a JSON object: %w", err)
		}
		for k, v := range obj {
			merged, err = sjson.SetRawBytes(merged, k, v)
			if err != nil {
				return fmt.Errorf("render: merge key %q: %w", k, err)
			}
		}
		return nil
	}

	if err := merge(s.Workload); err != nil {
		return nil, err
	}
	if err := merge(s.Payload); err != nil {
		return nil, err
	}
	for step, result := range s.PredecessorResults {
		wrapped, werr := sjson.SetRawBytes([]byte("{}"), "data", result)
		if werr != nil {
			return nil, fmt.Errorf("render: wrap predecessor %q: %w", step, werr)
		}
		merged, err = sjson.SetRawBytes(merged, step, wrapped)
		if err != nil {
			return nil, fmt.Errorf("render: merge predecessor %q: %w", step, err)
		}
	}
	if err := merge(s.IteratorBinding); err != nil {
		return nil, err
	}
	if err := merge(s.TransitionOverlay); err != nil {
		return nil, err
	}
	return merged, nil
}

// Render materializes template (arbitrary JSON) against scope, substituting
// every `{{expr}}` placeholder found in string values. Missing paths resolve
// to the expression's `| default(...)` filter, or to null when absent.
func Render(template json.RawMessage, scope Scope) (json.RawMessage, error) {
	merged, err := scope.Merge()
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(template, &v); err != nil {
		return nil, fmt.Errorf("render: template is not valid JSON: %w", err)
	}

	out := renderValue(v, merged)
	return json.Marshal(out)
}

func renderValue(v any, scope json.RawMessage) any {
	switch t := v.(type) {
	case string:
		return renderString(t, scope)
	case map[string]any:
		result := make(map[string]any, len(t))
		for k, val := range t {
			result[k] = renderValue(val, scope)
		}
		return result
	case []any:
		result := make([]any, len(t))
		for i, val := range t {
			result[i] = renderValue(val, scope)
		}
		return result
	default:
		return t
	}
}

// renderString substitutes every {{expr}} in s. When s is exactly one
// placeholder, the resolved value's native JSON type is preserved (so a
// template value of "{{count}}" resolving to a number renders as a number,
// not a quoted string).
func renderString(s string, scope json.RawMessage) any {
	start, end, ok := placeholder(s)
	if !ok {
		return s
	}
	if start == 0 && end == len(s) {
		return evaluate(s[2:len(s)-2], scope)
	}

	var b strings.Builder
	rest := s
	for {
		start, end, ok := placeholder(rest)
		if !ok {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		val := evaluate(rest[start+2:end-2], scope)
		b.WriteString(fmt.Sprint(val))
		rest = rest[end:]
	}
	return b.String()
}

// evaluate resolves one expression body (without the surrounding {{ }}):
// a dotted path, optionally piped through `| default(value)`.
func evaluate(expr string, scope json.RawMessage) any {
	expr = strings.TrimSpace(expr)
	path, def, hasDefault := splitDefault(expr)

	result := gjson.GetBytes(scope, path)
	if result.Exists() {
		return result.Value()
	}
	if hasDefault {
		return def
	}
	return nil
}

func splitDefault(expr string) (path string, def any, ok bool) {
	parts := strings.SplitN(expr, "|", 2)
	path = strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return path, nil, false
	}

	filter := strings.TrimSpace(parts[1])
	const prefix = "default("
	if !strings.HasPrefix(filter, prefix) || !strings.HasSuffix(filter, ")") {
		return path, nil, false
	}
	arg := strings.TrimSpace(filter[len(prefix) : len(filter)-1])
	return path, parseLiteral(arg), true
}

func parseLiteral(s string) any {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// EvaluateGuard evaluates a transition `when` guard expression against
// scope, returning its truthiness per renderer semantics (spec §4.5): a
// comparison (`t>=25`), or a bare path treated as truthy when it resolves to
// a non-zero, non-empty, non-false value.
func EvaluateGuard(expr string, scope json.RawMessage) (bool, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "{{")
	expr = strings.TrimSuffix(expr, "}}")
	expr = strings.TrimSpace(expr)

	merged := scope
	for _, op := range []string{">=", "<=", "==", "!=", ">", "<"} {
		if idx := strings.Index(expr, op); idx > 0 {
			lhs := strings.TrimSpace(expr[:idx])
			rhs := strings.TrimSpace(expr[idx+len(op):])
			return compare(lhs, rhs, op, merged)
		}
	}

	v := evaluate(expr, merged)
	return truthy(v), nil
}

func compare(lhsExpr, rhsExpr, op string, scope json.RawMessage) (bool, error) {
	lhs := resolveOperand(lhsExpr, scope)
	rhs := resolveOperand(rhsExpr, scope)

	lf, lok := toFloat(lhs)
	rf, rok := toFloat(rhs)
	if lok && rok {
		switch op {
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		}
	}

	ls := fmt.Sprint(lhs)
	rs := fmt.Sprint(rhs)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	default:
		return false, fmt.Errorf("render: cannot compare %q %s %q", ls, op, rs)
	}
}

func resolveOperand(s string, scope json.RawMessage) any {
	s = strings.TrimSpace(s)
	if v := parseLiteral(s); v != s {
		return v
	}
	return evaluate(s, scope)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}
