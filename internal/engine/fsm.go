package engine

import (
	"github.com/rendis/steward/pkg/schema"
)

// ValidRunTransitions defines the allowed status transitions for runs.
// active -> active is a step advance; flagged -> flagged is a re-flag.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusActive:    {schema.RunStatusActive, schema.RunStatusCompleted, schema.RunStatusFlagged},
	schema.RunStatusFlagged:   {schema.RunStatusFlagged, schema.RunStatusActive},
	schema.RunStatusCompleted: {},
}

// CheckTransition validates a run status transition.
func CheckTransition(runID string, from, to schema.RunStatus) error {
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithRun(runID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}

// CheckAdvance validates a step index move. The index never decreases and
// never passes the step count.
func CheckAdvance(runID string, from, to, steps int) error {
	if to < from {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step index cannot decrease from %d to %d", from, to).WithRun(runID)
	}
	if to > steps {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step index %d is past the last step (%d steps)", to, steps).WithRun(runID)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// runEventType returns the live event published for a status change, or ""
// when the status is unchanged.
func runEventType(from, to schema.RunStatus) string {
	switch {
	case to == schema.RunStatusFlagged:
		return schema.EventRunFlagged
	case from == to:
		return ""
	case to == schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case from == schema.RunStatusFlagged && to == schema.RunStatusActive:
		return schema.EventRunReactivated
	default:
		return ""
	}
}
