package agents

import (
	"context"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc struct {
	EvaluatorName string
	Fn            func(ctx context.Context, content, criteria any) (*Evaluation, error)
}

func (f EvaluatorFunc) Name() string { return f.EvaluatorName }

func (f EvaluatorFunc) Evaluate(ctx context.Context, content, criteria any) (*Evaluation, error) {
	return f.Fn(ctx, content, criteria)
}

// ExprEvaluator scores content with an expr expression over "content" and
// "criteria". When no expression is configured, criteria itself must be the
// expression string. Results outside [0,1] are clamped.
type ExprEvaluator struct {
	name       string
	expression string
	engine     *expressions.ExprEngine
}

func NewExprEvaluator(name, expression string) *ExprEvaluator {
	return &ExprEvaluator{name: name, expression: expression, engine: expressions.NewExprEngine()}
}

func (e *ExprEvaluator) Name() string { return e.name }

func (e *ExprEvaluator) Evaluate(ctx context.Context, content, criteria any) (*Evaluation, error) {
	expression := e.expression
	if expression == "" {
		s, ok := criteria.(string)
		if !ok || s == "" {
			return nil, schema.NewErrorf(schema.ErrCodeScoring, "evaluator %s: no expression configured and criteria is not a string", e.name)
		}
		expression = s
	}
	out, err := e.engine.Evaluate(ctx, expression, map[string]any{
		"content":  content,
		"criteria": criteria,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeScoring, "evaluator %s failed", e.name).WithCause(err)
	}
	score, ok := toScore(out)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeScoring, "evaluator %s returned non-numeric %T", e.name, out)
	}
	return &Evaluation{Score: score}, nil
}

func toScore(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case bool:
		if n {
			f = 1
		}
	default:
		return 0, false
	}
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f, true
}

// Builtins returns the built-in agents.
func Builtins(httpCfg HTTPConfig) []Agent {
	return []Agent{
		NewTransformAgent(),
		NewApprovalAgent(),
		NewHTTPAgent(httpCfg),
	}
}

// RegisterBuiltins registers the built-in agents into r.
func RegisterBuiltins(r *Registry, httpCfg HTTPConfig) error {
	for _, a := range Builtins(httpCfg) {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}
