package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// scopeRoots are the top-level names every expression scope may carry.
var scopeRoots = []string{
	"input", "state", "env", "execution", "previousOutputs",
	"item", "index", "results", "error",
}

// CELEngine evaluates Common Expression Language conditions.
// Compiled programs are cached and shared across goroutines.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

// NewCELEngine declares every scope root as a dyn variable.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(scopeRoots)+1)
	for _, root := range scopeRoots {
		opts = append(opts, cel.Variable(root, cel.DynType))
	}
	opts = append(opts, cel.CrossTypeNumericComparisons(true))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newPrograms(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string {
	return "cel"
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}

	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, celActivation(data))
	if err != nil {
		return nil, exprError("CEL", "eval", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, exprError("CEL", "compile", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, exprError("CEL", "program", expression, err)
	}
	return prg, nil
}

// celActivation fills absent roots with empty maps so field selection on
// them yields a no-such-key error instead of an unbound variable.
func celActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(scopeRoots))
	for _, root := range scopeRoots {
		if v, ok := data[root]; ok && v != nil {
			activation[root] = normalizeNumbers(v)
		} else {
			activation[root] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
