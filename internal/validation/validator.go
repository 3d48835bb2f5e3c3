// Package validation checks process definitions before they are saved or run.
package validation

import "github.com/rendis/steward/pkg/schema"

// Validator checks process definitions for correctness.
type Validator interface {
	ValidateDefinition(def *schema.ProcessDefinition) error
}

// RuleChecker compiles assignee rules without evaluating them.
type RuleChecker interface {
	Check(rule string) error
}

// ExecutorLookup reports whether an AUTO kind has an executor.
type ExecutorLookup interface {
	Has(kind schema.ActionKind) bool
}
