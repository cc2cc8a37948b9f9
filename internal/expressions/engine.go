package expressions

import (
	"context"
	"strings"
)

// Engine evaluates a condition language against the expression scope.
// Three implementations: CEL, Expr and GoJQ, selected by a "cel:", "expr:"
// or "jq:" prefix on the expression.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultEngines returns the three built-in engines.
func DefaultEngines() ([]Engine, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Engine{celEngine, NewExprEngine(), NewGoJQEngine()}, nil
}

// splitEngine separates an "<engine>:" prefix from the expression body.
// Expressions without a known prefix return ok=false.
func splitEngine(expression string, engines map[string]Engine) (Engine, string, bool) {
	name, body, found := strings.Cut(expression, ":")
	if !found {
		return nil, expression, false
	}
	eng, ok := engines[strings.TrimSpace(name)]
	if !ok {
		return nil, expression, false
	}
	return eng, strings.TrimSpace(body), true
}
