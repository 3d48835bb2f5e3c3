package validation

import "github.com/rendis/steward/pkg/schema"

// ProcessValidator runs the two-stage validation pipeline:
//  1. Structural (JSON Schema)
//  2. Semantic (unique ids, known kinds, assignee rules, durations)
type ProcessValidator struct {
	structural *JSONSchemaValidator
	rules      RuleChecker
	executors  ExecutorLookup
}

// NewProcessValidator creates a ProcessValidator. rules and executors may be
// nil to skip the corresponding checks.
func NewProcessValidator(rules RuleChecker, executors ExecutorLookup) (*ProcessValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ProcessValidator{structural: jsv, rules: rules, executors: executors}, nil
}

// Validate returns every issue found. Structural errors skip the semantic stage.
func (v *ProcessValidator) Validate(def *schema.ProcessDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "process definition is nil")
		return r
	}
	result := v.structural.Validate(def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, v.rules, v.executors))
	return result
}

// ValidateDefinition satisfies Validator.
func (v *ProcessValidator) ValidateDefinition(def *schema.ProcessDefinition) error {
	return v.Validate(def).ToError()
}

var _ Validator = (*ProcessValidator)(nil)
