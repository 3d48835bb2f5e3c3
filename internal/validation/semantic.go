package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/steward/internal/classifier"
	"github.com/rendis/steward/pkg/schema"
)

// validateSemantic runs the checks JSON Schema cannot express.
func validateSemantic(def *schema.ProcessDefinition, rules RuleChecker, executors ExecutorLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]int, len(def.Steps))

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("/steps/%d", i)

		if first, dup := seen[step.ID]; dup {
			result.AddError(path+"/id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first used by step %d)", step.ID, first))
		} else {
			seen[step.ID] = i
		}

		mode, err := classifier.Classify(step.Action)
		if err != nil {
			result.AddError(path+"/action", schema.ErrCodeConfiguration,
				fmt.Sprintf("unknown action kind %q", step.Action))
		} else if mode == classifier.Auto && executors != nil && !executors.Has(step.Action) {
			result.AddWarning(path+"/action", schema.ErrCodeConfiguration,
				fmt.Sprintf("no executor registered for %q; runs will be flagged at this step", step.Action))
		}

		if step.ExpectedDuration < 0 {
			result.AddError(path+"/expected_duration", schema.ErrCodeValidation, "expected duration must not be negative")
		}
		if mode == classifier.Auto && step.ExpectedDuration > 0 {
			result.AddWarning(path+"/expected_duration", schema.ErrCodeValidation,
				"expected duration is ignored for AUTO steps")
		}

		if rules != nil && step.Assignee != "" {
			if err := rules.Check(step.Assignee); err != nil {
				result.AddError(path+"/assignee", schema.ErrCodeValidation, err.Error())
			}
		}

		if len(step.Params) > 0 {
			var obj map[string]any
			if err := json.Unmarshal(step.Params, &obj); err != nil {
				result.AddError(path+"/params", schema.ErrCodeValidation, "params must be a JSON object")
			}
		}
	}

	if len(def.Steps) == 0 {
		result.AddWarning("/steps", schema.ErrCodeValidation, "process has no steps; runs complete immediately")
	}
	return result
}
