// Package expressions hosts the three expression languages used by steward:
// CEL for assignee rules, jq for transform steps and expr for eval steps.
package expressions

import (
	"context"
	"sync"

	"github.com/rendis/steward/pkg/schema"
)

// Engine evaluates an expression against a data scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles expression without evaluating it.
	Check(expression string) error
}

// programCache memoizes compiled programs by source text. Safe for concurrent use.
type programCache[T any] struct {
	mu       sync.RWMutex
	programs map[string]T
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{programs: make(map[string]T)}
}

func (c *programCache[T]) get(expression string, compile func(string) (T, error)) (T, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}

func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecutor, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
