package executors

import (
	"context"

	"github.com/rendis/steward/internal/classifier"
	"github.com/rendis/steward/internal/expressions"
	"github.com/rendis/steward/pkg/schema"
)

// JQExecutor implements "transform.jq". Params: query (required) and an
// optional input; without input the program runs over the step scope
// ({params, outputs, run, step}). Output: {"result": ...}.
type JQExecutor struct {
	engine *expressions.GoJQEngine
}

func NewJQExecutor(engine *expressions.GoJQEngine) *JQExecutor {
	if engine == nil {
		engine = expressions.NewGoJQEngine()
	}
	return &JQExecutor{engine: engine}
}

func (e *JQExecutor) Kind() schema.ActionKind { return classifier.KindTransformJQ }

func (e *JQExecutor) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	query := stringParam(sc.Params, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeExecutor, "transform.jq: missing required param 'query'")
	}
	var input any = sc.Scope()
	if v, ok := sc.Params["input"]; ok {
		input = v
	}
	result, err := e.engine.EvaluateValue(ctx, query, input)
	if err != nil {
		return nil, err
	}
	return JSONResult(e.Kind(), map[string]any{"result": result})
}

// ExprExecutor implements "expr.eval". Params: expression (required),
// evaluated over the step scope. Output: {"result": ...}. When the param
// require_true is set, a non-true result fails the step.
type ExprExecutor struct {
	engine *expressions.ExprEngine
}

func NewExprExecutor(engine *expressions.ExprEngine) *ExprExecutor {
	if engine == nil {
		engine = expressions.NewExprEngine()
	}
	return &ExprExecutor{engine: engine}
}

func (e *ExprExecutor) Kind() schema.ActionKind { return classifier.KindExprEval }

func (e *ExprExecutor) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	expression := stringParam(sc.Params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExecutor, "expr.eval: missing required param 'expression'")
	}
	result, err := e.engine.Evaluate(ctx, expression, sc.Scope())
	if err != nil {
		return nil, err
	}
	if boolParam(sc.Params, "require_true", false) && result != true {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "expr.eval: %q evaluated to %v", expression, result).
			WithDetails(map[string]any{"expression": expression, "result": result})
	}
	return JSONResult(e.Kind(), map[string]any{"result": result})
}
