package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind names what a step does (e.g. "approval.request", "http.request").
type ActionKind string

// ProcessDefinition is an ordered, versioned sequence of steps. A saved
// definition is never modified; saving the same ID again creates a new version.
type ProcessDefinition struct {
	ID             string           `json:"id"`
	Version        int              `json:"version"`
	OrganizationID string           `json:"organization_id"`
	Name           string           `json:"name"`
	Steps          []StepDefinition `json:"steps"`
	CreatedAt      time.Time        `json:"created_at"`
}

// StepDefinition describes a single step of a process.
type StepDefinition struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Action           ActionKind      `json:"action"`
	ExpectedDuration Duration        `json:"expected_duration,omitempty"`
	Assignee         string          `json:"assignee,omitempty"` // CEL rule producing a user id; empty = run starter
	Params           json.RawMessage `json:"params,omitempty"`
}

// Step returns the step at index i, or false if i is out of range.
func (p *ProcessDefinition) Step(i int) (*StepDefinition, bool) {
	if p == nil || i < 0 || i >= len(p.Steps) {
		return nil, false
	}
	return &p.Steps[i], true
}

// StepIndex returns the position of the step with the given id, or -1.
func (p *ProcessDefinition) StepIndex(stepID string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// Duration is a time.Duration that marshals as a Go duration string ("36h").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		// Bare numbers are seconds.
		*d = Duration(time.Duration(val * float64(time.Second)))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
