package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/steward/pkg/schema"
)

var now = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func TestReminder(t *testing.T) {
	run := &schema.ActiveRun{ID: "run-1", OrganizationID: "org-1", ProcessName: "Onboarding"}
	step := &schema.StepDefinition{ID: "approve", Title: "Manager approval", ExpectedDuration: schema.Duration(36 * time.Hour)}

	n := Reminder(run, step, "bob", 12*time.Hour, now)
	assert.Equal(t, "bob", n.UserID)
	assert.Equal(t, "org-1", n.OrganizationID)
	assert.Equal(t, schema.NotificationReminder, n.Kind)
	assert.Equal(t, "/runs/run-1/steps/approve", n.ActionLink)
	assert.Equal(t, "Overdue: Manager approval", n.Title)
	assert.Contains(t, n.Body, "Onboarding")
	assert.Contains(t, n.Body, "36h0m0s")
	assert.False(t, n.Read)
	assert.Equal(t, now, n.CreatedAt)
}

func TestFlag(t *testing.T) {
	run := &schema.ActiveRun{ID: "run-1", ProcessID: "onboarding", StartedBy: "alice"}

	n := Flag(run, &schema.StepRef{StepID: "parse", StepTitle: "Parse contract"}, schema.ErrorDetail{Error: "timeout"}, now)
	assert.Equal(t, "alice", n.UserID)
	assert.Equal(t, schema.NotificationFlag, n.Kind)
	assert.Equal(t, "/runs/run-1/steps/parse", n.ActionLink)
	assert.Equal(t, "Flagged: Parse contract", n.Title)
	assert.Contains(t, n.Body, "timeout")

	n = Flag(run, nil, schema.ErrorDetail{Error: "definition missing"}, now)
	assert.Equal(t, "/runs/run-1", n.ActionLink)
	assert.Empty(t, n.StepID)
	assert.Equal(t, "Flagged: onboarding", n.Title)
}
