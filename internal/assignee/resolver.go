// Package assignee resolves the user responsible for a step from the step's
// assignee rule, a CEL expression over the run and the step.
package assignee

import (
	"context"
	"fmt"

	"github.com/rendis/steward/internal/expressions"
	"github.com/rendis/steward/pkg/schema"
)

// Resolver evaluates assignee rules. Safe for concurrent use.
type Resolver struct {
	engine *expressions.CELEngine
}

// NewResolver creates a Resolver whose rules see two variables:
//
//	run:  id, organization_id, process_id, process_name, process_version,
//	      started_by, current_step_index
//	step: id, title, action, index, params
func NewResolver() (*Resolver, error) {
	engine, err := expressions.NewCELEngine("run", "step")
	if err != nil {
		return nil, err
	}
	return &Resolver{engine: engine}, nil
}

// Check reports whether rule compiles. An empty rule is valid.
func (r *Resolver) Check(rule string) error {
	if rule == "" {
		return nil
	}
	return r.engine.Check(rule)
}

// Resolve returns the user id for step. An empty rule resolves to the run's
// starter. A rule must evaluate to a non-empty string.
func (r *Resolver) Resolve(ctx context.Context, run *schema.ActiveRun, step *schema.StepDefinition) (string, error) {
	if step.Assignee == "" {
		if run.StartedBy == "" {
			return "", schema.NewErrorf(schema.ErrCodeConfiguration, "step %q has no assignee rule and the run has no starter", step.ID).
				WithRun(run.ID).WithStep(step.ID)
		}
		return run.StartedBy, nil
	}

	out, err := r.engine.Evaluate(ctx, step.Assignee, map[string]any{
		"run":  runVars(run),
		"step": stepVars(run, step),
	})
	if err != nil {
		if se, ok := schema.AsError(err); ok {
			return "", se.WithRun(run.ID).WithStep(step.ID)
		}
		return "", err
	}

	user, ok := out.(string)
	if !ok || user == "" {
		return "", schema.NewErrorf(schema.ErrCodeConfiguration, "assignee rule %q produced %s, want a user id", step.Assignee, describe(out)).
			WithRun(run.ID).WithStep(step.ID)
	}
	return user, nil
}

func runVars(run *schema.ActiveRun) map[string]any {
	return map[string]any{
		"id":                 run.ID,
		"organization_id":    run.OrganizationID,
		"process_id":         run.ProcessID,
		"process_name":       run.ProcessName,
		"process_version":    int64(run.ProcessVersion),
		"started_by":         run.StartedBy,
		"current_step_index": int64(run.CurrentStepIndex),
	}
}

func stepVars(run *schema.ActiveRun, step *schema.StepDefinition) map[string]any {
	vars := map[string]any{
		"id":     step.ID,
		"title":  step.Title,
		"action": string(step.Action),
		"index":  int64(run.CurrentStepIndex),
		"params": map[string]any{},
	}
	if p, err := decodeObject(step.Params); err == nil {
		vars["params"] = p
	}
	return vars
}

func describe(v any) string {
	if s, ok := v.(string); ok && s == "" {
		return "an empty string"
	}
	return fmt.Sprintf("%T", v)
}
