// Package executors runs AUTO steps. Each action kind maps to one Executor;
// the Registry adds per-kind circuit breaking in front of them.
package executors

import (
	"context"
	"encoding/json"

	"github.com/rendis/steward/pkg/schema"
)

// Executor performs the real-world effect of an AUTO step.
type Executor interface {
	Kind() schema.ActionKind
	Execute(ctx context.Context, sc StepContext) (*Result, error)
}

// StepContext is everything an executor may read about the step it runs.
type StepContext struct {
	RunID          string
	OrganizationID string
	ProcessID      string
	StartedBy      string
	StepIndex      int
	Step           schema.StepDefinition
	// Params is the step's Params decoded as a JSON object.
	Params map[string]any
	// Outputs holds the recorded output of every earlier successful step, by step id.
	Outputs map[string]any
}

// Scope returns the data exposed to jq and expr programs.
func (sc StepContext) Scope() map[string]any {
	params := sc.Params
	if params == nil {
		params = map[string]any{}
	}
	outputs := sc.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	return map[string]any{
		"params":  params,
		"outputs": outputs,
		"run": map[string]any{
			"id":              sc.RunID,
			"organization_id": sc.OrganizationID,
			"process_id":      sc.ProcessID,
			"started_by":      sc.StartedBy,
		},
		"step": map[string]any{
			"id":     sc.Step.ID,
			"title":  sc.Step.Title,
			"action": string(sc.Step.Action),
			"index":  sc.StepIndex,
		},
	}
}

// Result is a successful execution's output, recorded verbatim in the run log.
type Result struct {
	Output json.RawMessage
}

// JSONResult marshals v into a Result.
func JSONResult(kind schema.ActionKind, v any) (*Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "%s: marshal output: %s", kind, err.Error()).WithCause(err)
	}
	return &Result{Output: b}, nil
}

// DecodeParams decodes raw step params into a map. Empty input yields an empty map.
func DecodeParams(raw json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step params must be a JSON object: %s", err.Error()).WithCause(err)
	}
	return params, nil
}
