package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

func decode(t *testing.T, res *Result) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	return out
}

func TestHTTPExecutor_GETJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "hello"})
	}))
	defer srv.Close()

	res, err := NewHTTPExecutor(HTTPConfig{}).Execute(context.Background(), StepContext{Params: map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "bearer", "token": "tok"},
	}})
	require.NoError(t, err)

	out := decode(t, res)
	assert.Equal(t, float64(200), out["status_code"])
	body, ok := out["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", body["greeting"])
}

func TestHTTPExecutor_POSTBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "v", r.Header.Get("X-Extra"))
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	res, err := NewHTTPExecutor(HTTPConfig{}).Execute(context.Background(), StepContext{Params: map[string]any{
		"url":     srv.URL,
		"method":  "post",
		"headers": map[string]any{"X-Extra": "v"},
		"body":    map[string]any{"name": "alice"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "alice", got["name"])
	assert.Equal(t, "created", decode(t, res)["body"])
}

func TestHTTPExecutor_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(HTTPConfig{})
	_, err := ex.Execute(context.Background(), StepContext{Params: map[string]any{"url": srv.URL}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))
	assert.Contains(t, err.Error(), "returned 502")

	res, err := ex.Execute(context.Background(), StepContext{Params: map[string]any{"url": srv.URL, "fail_on_error_status": false}})
	require.NoError(t, err)
	assert.Equal(t, float64(502), decode(t, res)["status_code"])
}

func TestHTTPExecutor_BadParams(t *testing.T) {
	ex := NewHTTPExecutor(HTTPConfig{})
	_, err := ex.Execute(context.Background(), StepContext{Params: map[string]any{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))

	_, err = ex.Execute(context.Background(), StepContext{Params: map[string]any{"url": "ftp://example.com"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))
}

func TestJQExecutor(t *testing.T) {
	ex := NewJQExecutor(nil)
	sc := StepContext{
		RunID:   "run-1",
		Params:  map[string]any{"query": `.outputs.collect.amount * 2`},
		Outputs: map[string]any{"collect": map[string]any{"amount": float64(21)}},
	}
	res, err := ex.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, float64(42), decode(t, res)["result"])

	sc.Params = map[string]any{"query": `.[0]`, "input": []any{"a", "b"}}
	res, err = ex.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "a", decode(t, res)["result"])

	sc.Params = map[string]any{"query": `.run.id`}
	res, err = ex.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "run-1", decode(t, res)["result"])

	_, err = ex.Execute(context.Background(), StepContext{Params: map[string]any{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))
}

func TestExprExecutor(t *testing.T) {
	ex := NewExprExecutor(nil)
	sc := StepContext{
		Params:  map[string]any{"expression": `outputs.review.score >= params.min`, "min": float64(7)},
		Outputs: map[string]any{"review": map[string]any{"score": float64(8)}},
	}
	res, err := ex.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["result"])

	sc.Params["min"] = float64(9)
	sc.Params["require_true"] = true
	_, err = ex.Execute(context.Background(), sc)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))
}

func TestLogExecutor(t *testing.T) {
	var buf bytes.Buffer
	ex := NewLogExecutor(slog.New(slog.NewTextHandler(&buf, nil)))

	res, err := ex.Execute(context.Background(), StepContext{
		RunID:  "run-1",
		Step:   schema.StepDefinition{ID: "note"},
		Params: map[string]any{"message": "handoff done", "level": "warn"},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "handoff done")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Equal(t, "WARN", decode(t, res)["level"])

	_, err = ex.Execute(context.Background(), StepContext{Params: map[string]any{"message": "x", "level": "loud"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutor))
}
