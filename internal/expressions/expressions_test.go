package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

func TestCEL_Variables(t *testing.T) {
	e, err := NewCELEngine("run", "step")
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	data := map[string]any{
		"run":  map[string]any{"started_by": "alice", "organization_id": "org-1"},
		"step": map[string]any{"id": "approve"},
	}

	out, err := e.Evaluate(context.Background(), `run.started_by`, data)
	require.NoError(t, err)
	assert.Equal(t, "alice", out)

	out, err = e.Evaluate(context.Background(), `step.id == "approve" ? "manager" : run.started_by`, data)
	require.NoError(t, err)
	assert.Equal(t, "manager", out)
}

func TestCEL_MissingVariableBindsEmptyMap(t *testing.T) {
	e, err := NewCELEngine("run", "step")
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(step)`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine("run")
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = e.Check(`run.`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = e.Check(`unknown_var == 1`)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `run.missing_key`, map[string]any{"run": map[string]any{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))
}

func TestCEL_CachesPrograms(t *testing.T) {
	e, err := NewCELEngine("run")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Evaluate(context.Background(), `1 + 1`, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.len())
}

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"outputs": map[string]any{
			"collect": map[string]any{"items": []any{float64(1), float64(2), float64(3)}},
		},
		"count": int64(2),
	}

	out, err := e.Evaluate(context.Background(), `.outputs.collect.items | add`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(6), out)

	out, err = e.Evaluate(context.Background(), `.outputs.collect.items[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, out)

	out, err = e.Evaluate(context.Background(), `.count * 2`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(4), out)

	out, err = e.Evaluate(context.Background(), `empty`, data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	assert.True(t, schema.IsCode(e.Check(`.[`), schema.ErrCodeValidation))

	_, err := e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))

	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"params":  map[string]any{"threshold": float64(10)},
		"outputs": map[string]any{"score": map[string]any{"value": float64(12)}},
	}

	out, err := e.Evaluate(context.Background(), `outputs.score.value > params.threshold`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `missing ?? "fallback"`, data)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	assert.True(t, schema.IsCode(e.Check(`1 +`), schema.ErrCodeValidation))

	_, err := e.Evaluate(context.Background(), `int("abc")`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Evaluate(ctx, `1`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))
}
