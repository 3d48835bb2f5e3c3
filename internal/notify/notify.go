// Package notify builds the inbox notifications steward emits.
package notify

import (
	"fmt"
	"time"

	"github.com/rendis/steward/pkg/schema"
)

// Reminder builds the overdue notice for the run's current step. Its action
// link identifies the (run, step) pair and is the deduplication key.
func Reminder(run *schema.ActiveRun, step *schema.StepDefinition, recipient string, overdueBy time.Duration, now time.Time) *schema.Notification {
	return &schema.Notification{
		UserID:         recipient,
		OrganizationID: run.OrganizationID,
		RunID:          run.ID,
		StepID:         step.ID,
		Kind:           schema.NotificationReminder,
		Title:          fmt.Sprintf("Overdue: %s", step.Title),
		Body: fmt.Sprintf("Step %q of %q has been waiting longer than expected (%s, overdue by %s).",
			step.Title, processName(run), step.ExpectedDuration.Std(), overdueBy.Round(time.Minute)),
		CreatedAt:  now,
		ActionLink: schema.StepLink(run.ID, step.ID),
	}
}

// Flag builds the notice sent to the run's starter when a run is flagged.
// Without a step the link points at the run.
func Flag(run *schema.ActiveRun, ref *schema.StepRef, detail schema.ErrorDetail, now time.Time) *schema.Notification {
	n := &schema.Notification{
		UserID:         run.StartedBy,
		OrganizationID: run.OrganizationID,
		RunID:          run.ID,
		Kind:           schema.NotificationFlag,
		CreatedAt:      now,
		ActionLink:     schema.RunLink(run.ID),
	}
	if ref != nil && ref.StepID != "" {
		n.StepID = ref.StepID
		n.ActionLink = schema.StepLink(run.ID, ref.StepID)
		n.Title = fmt.Sprintf("Flagged: %s", stepName(ref))
		n.Body = fmt.Sprintf("Run of %q stopped at step %q: %s", processName(run), stepName(ref), detail.Error)
		return n
	}
	n.Title = fmt.Sprintf("Flagged: %s", processName(run))
	n.Body = fmt.Sprintf("Run of %q stopped: %s", processName(run), detail.Error)
	return n
}

func processName(run *schema.ActiveRun) string {
	if run.ProcessName != "" {
		return run.ProcessName
	}
	return run.ProcessID
}

func stepName(ref *schema.StepRef) string {
	if ref.StepTitle != "" {
		return ref.StepTitle
	}
	return ref.StepID
}
