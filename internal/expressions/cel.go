package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates CEL expressions over a fixed set of map-typed variables.
type CELEngine struct {
	env   *cel.Env
	vars  []string
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine exposing each name in vars as a
// map(string, dyn) variable. Variables missing from the evaluation data are
// bound to empty maps.
func NewCELEngine(vars ...string) (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(vars))
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{
		env:   env,
		vars:  append([]string(nil), vars...),
		cache: newProgramCache[cel.Program](),
	}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Check(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.cache.get(expression, e.compile)
	return err
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(e.vars))
	for _, v := range e.vars {
		if val, ok := data[v]; ok && val != nil {
			activation[v] = val
		} else {
			activation[v] = map[string]any{}
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError(e.Name(), expression, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
