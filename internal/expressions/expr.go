package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine runs expr-lang programs with each scope root bound as a
// top-level variable. Names that are not bound evaluate to nil, so
// `missing ?? "x"` works without declaring missing.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newPrograms(compileExpr)}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := expr.Run(prg, data)
	if err != nil {
		return nil, exprError("expr", "eval", expression, err)
	}
	return out, nil
}

// compileExpr targets a bare map env so one program serves every scope.
func compileExpr(text string) (*vm.Program, error) {
	prg, err := expr.Compile(text, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, exprError("expr", "compile", text, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
