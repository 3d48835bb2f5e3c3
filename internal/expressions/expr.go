package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions. Keys of the data map are the
// expression's top-level variables; unknown names evaluate to nil.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.cache.get(expression, e.compile)
	return err
}

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, evalError(e.Name(), expression, err)
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(prg, env)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
