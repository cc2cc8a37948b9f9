package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/ensemble/pkg/schema"
)

// Evaluator resolves ${path} references, simple comparisons and
// engine-prefixed conditions against a Scope. It is safe for concurrent use.
type Evaluator struct {
	engines map[string]Engine
}

// NewEvaluator registers the given condition engines by name.
func NewEvaluator(engines ...Engine) *Evaluator {
	m := make(map[string]Engine, len(engines))
	for _, e := range engines {
		m[e.Name()] = e
	}
	return &Evaluator{engines: m}
}

// Engine returns the registered engine with the given name.
func (ev *Evaluator) Engine(name string) (Engine, bool) {
	e, ok := ev.engines[name]
	return e, ok
}

// Resolve evaluates a template string. A string that is exactly one
// ${path} token yields the typed value at path; otherwise every token is
// replaced by its string form. A missing path resolves to "".
func (ev *Evaluator) Resolve(s string, scope Scope) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	if path, ok := wholeToken(s); ok {
		if path == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "empty reference ${} in %q", s)
		}
		v, found := Lookup(scope, path)
		if !found {
			return "", nil
		}
		return v, nil
	}
	return ev.Interpolate(s, scope)
}

// ResolveValue applies Resolve to every string inside maps and slices.
func (ev *Evaluator) ResolveValue(v any, scope Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return ev.Resolve(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := ev.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := ev.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap is ResolveValue for an input mapping.
func (ev *Evaluator) ResolveMap(m map[string]any, scope Scope) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	out, err := ev.ResolveValue(m, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Interpolate replaces every ${path} token with its string form. Missing
// paths become "" and explicit nulls become "null".
func (ev *Evaluator) Interpolate(s string, scope Scope) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			b.WriteString(s[i:])
			break
		}
		b.WriteString(s[i : i+idx])
		start := i + idx + 2

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeExpression, "unclosed ${ in %q", s)
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		if path == "" {
			return "", schema.NewErrorf(schema.ErrCodeExpression, "empty reference ${} in %q", s)
		}
		if v, found := Lookup(scope, path); found {
			b.WriteString(Stringify(v))
		}
		i = end + 1
	}
	return b.String(), nil
}

// Evaluate computes a condition-style expression: an engine-prefixed
// expression ("cel:", "expr:", "jq:"), a comparison, or a template.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, scope Scope) (any, error) {
	expression = strings.TrimSpace(expression)
	if eng, body, ok := splitEngine(expression, ev.engines); ok {
		return eng.Evaluate(ctx, body, scope)
	}
	if left, op, right, ok := splitComparison(expression); ok {
		return ev.compare(left, op, right, scope)
	}
	return ev.Resolve(expression, scope)
}

// Condition evaluates expression for truthiness. An empty expression is true.
func (ev *Evaluator) Condition(ctx context.Context, expression string, scope Scope) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	v, err := ev.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func (ev *Evaluator) compare(left, op, right string, scope Scope) (bool, error) {
	lv, lq, err := ev.operand(left, scope)
	if err != nil {
		return false, err
	}
	rv, rq, err := ev.operand(right, scope)
	if err != nil {
		return false, err
	}

	if !lq && !rq {
		if ln, ok := toNumber(lv); ok {
			if rn, ok := toNumber(rv); ok {
				return compareOrdered(op, cmpFloat(ln, rn)), nil
			}
		}
	}
	return compareOrdered(op, strings.Compare(Stringify(lv), Stringify(rv))), nil
}

// operand resolves one side of a comparison. quoted is true for a quoted
// string literal, which forces string comparison.
func (ev *Evaluator) operand(s string, scope Scope) (v any, quoted bool, err error) {
	s = strings.TrimSpace(s)
	if n := len(s); n >= 2 && (s[0] == '\'' || s[0] == '"') && s[n-1] == s[0] {
		return s[1 : n-1], true, nil
	}
	if strings.Contains(s, "${") {
		v, err := ev.Resolve(s, scope)
		return v, false, err
	}
	switch s {
	case "true":
		return true, false, nil
	case "false":
		return false, false, nil
	case "null":
		return nil, false, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, false, nil
	}
	return s, false, nil
}

func compareOrdered(op string, c int) bool {
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// splitComparison finds the first comparison operator outside quotes and
// ${...} tokens.
func splitComparison(s string) (left, op, right string, ok bool) {
	var quote byte
	inToken := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inToken:
			if c == '}' {
				inToken = false
			}
			continue
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '$' && i+1 < len(s) && s[i+1] == '{':
			inToken = true
			i++
			continue
		case c == '\'' || c == '"':
			quote = c
			continue
		}

		if i+1 < len(s) {
			two := s[i : i+2]
			switch two {
			case "==", "!=", ">=", "<=":
				return s[:i], two, s[i+2:], true
			}
		}
		if c == '>' || c == '<' {
			return s[:i], string(c), s[i+1:], true
		}
	}
	return "", "", "", false
}

// wholeToken reports whether s is exactly one ${path} token.
func wholeToken(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	if strings.ContainsAny(inner, "{}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// Lookup walks a dotted path ("a.b.0.c" or "a.b[0].c") through scope.
// Slices, arrays and strings expose a virtual "length" field.
func Lookup(scope Scope, path string) (any, bool) {
	path = strings.NewReplacer("[", ".", "]", "").Replace(path)
	var cur any = map[string]any(scope)
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			continue
		}
		next, ok := child(cur, key)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func child(cur any, key string) (any, bool) {
	switch c := cur.(type) {
	case map[string]any:
		v, ok := c[key]
		return v, ok
	case Scope:
		v, ok := c[key]
		return v, ok
	case []any:
		if key == "length" {
			return len(c), true
		}
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	case string:
		if key == "length" {
			return len(c), true
		}
		return nil, false
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		if key == "length" {
			return rv.Len(), true
		}
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}

// Stringify renders a value for in-string interpolation. nil renders as
// "null"; maps and slices render as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(val)
	case json.Number:
		return val.String()
	case error:
		return val.Error()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Truthy follows JavaScript truthiness: nil, false, 0, NaN and "" are
// false; everything else, including empty maps and slices, is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0 && !math.IsNaN(f)
	}
	return true
}

// toNumber coerces numeric values and numeric strings to float64.
func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}
