package agents

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/pkg/schema"
)

const transformInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "engine": {"type": "string", "enum": ["jq", "expr"]},
    "data": {}
  },
  "required": ["expression"]
}`

// TransformAgent reshapes data with a jq or expr expression. The expression
// and engine may come from the step input or config; "data" defaults to the
// whole input.
type TransformAgent struct {
	jq   *expressions.GoJQEngine
	expr *expressions.ExprEngine
}

func NewTransformAgent() *TransformAgent {
	return &TransformAgent{jq: expressions.NewGoJQEngine(), expr: expressions.NewExprEngine()}
}

func (a *TransformAgent) Name() string { return "transform" }

func (a *TransformAgent) Describe() Descriptor {
	return Descriptor{
		Description: "Reshape data with a jq (default) or expr expression",
		InputSchema: json.RawMessage(transformInputSchema),
	}
}

func (a *TransformAgent) Execute(ctx context.Context, ec ExecutionContext) (*Result, error) {
	raw, _ := param(ec, "expression")
	expression, _ := raw.(string)
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform requires a non-empty 'expression'").WithStep(ec.Step)
	}
	engine := "jq"
	if v, ok := param(ec, "engine"); ok {
		if s, ok := v.(string); ok && s != "" {
			engine = s
		}
	}

	data, ok := ec.Input["data"]
	if !ok {
		data = ec.Input
	}

	var (
		out any
		err error
	)
	switch engine {
	case "jq":
		out, err = a.jq.Run(ctx, expression, data)
	case "expr":
		out, err = a.expr.Evaluate(ctx, expression, map[string]any{
			"data":  data,
			"input": ec.Input,
			"state": ec.State,
		})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform: unknown engine %q", engine).WithStep(ec.Step)
	}
	if err != nil {
		return nil, err
	}
	return OK(out), nil
}
