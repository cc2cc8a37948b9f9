package expressions

// Scope is the read-only data an expression is evaluated against. Roots are
// input, state, env, execution, previousOutputs, one entry per completed step
// name, and loop-scoped variables (item, index, results, error).
type Scope map[string]any

// With returns a shallow copy of s with vars layered on top. The receiver
// is not modified, so sibling iterations can share a parent scope.
func (s Scope) With(vars map[string]any) Scope {
	out := make(Scope, len(s)+len(vars))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// normalizeNumbers converts Go integer types to float64 so engines that
// follow JSON number semantics see a single numeric type.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case Scope:
		return normalizeNumbers(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeNumbers(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeNumbers(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
