package schema

// CompletionSignal reports that the actor finished a HUMAN step. The step
// reference (StepID, StepIndex or both) is compared against the run's current
// index; signals for already-advanced steps are ignored.
type CompletionSignal struct {
	StepID    string         `json:"step_id,omitempty"`
	StepIndex *int           `json:"step_index,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
}

// StepRef identifies the step a flag refers to.
type StepRef struct {
	StepID    string `json:"step_id,omitempty"`
	StepTitle string `json:"step_title,omitempty"`
	Action    string `json:"action,omitempty"`
}

// ErrorDetail is the payload recorded in a FLAGGED log entry's output.
type ErrorDetail struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
