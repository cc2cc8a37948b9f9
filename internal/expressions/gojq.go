package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq filters. As a condition engine the whole scope is the
// filter input; the transform agent passes arbitrary JSON through Run.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newPrograms(compileJQ)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Run(ctx, expression, data)
}

// Run applies filter to input. No output yields nil, one output is returned
// as is and several are returned as a slice.
func (e *GoJQEngine) Run(ctx context.Context, filter string, input any) (any, error) {
	if filter == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(filter)
	if err != nil {
		return nil, err
	}
	outputs, err := drain(code.RunWithContext(ctx, normalizeNumbers(input)))
	if err != nil {
		return nil, exprError("jq", "eval", filter, err)
	}
	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	}
	return outputs, nil
}

// drain collects every value of iter, stopping at the first error value.
func drain(iter gojq.Iter) ([]any, error) {
	var out []any
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// compileJQ hides the process environment: $ENV is always empty.
func compileJQ(text string) (*gojq.Code, error) {
	query, err := gojq.Parse(text)
	if err != nil {
		return nil, exprError("jq", "parse", text, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, exprError("jq", "compile", text, err)
	}
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
