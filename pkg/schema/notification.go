package schema

import (
	"fmt"
	"time"
)

// NotificationKind distinguishes the producer of a notification.
type NotificationKind string

const (
	NotificationReminder NotificationKind = "reminder"
	NotificationFlag     NotificationKind = "flag"
)

// Notification is an inbox item for a single user. Only the recipient
// mutates it (by marking it read); it is never deleted.
type Notification struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id" validate:"required"`
	OrganizationID string           `json:"organization_id,omitempty"`
	RunID          string           `json:"run_id,omitempty"`
	StepID         string           `json:"step_id,omitempty"`
	Kind           NotificationKind `json:"kind" validate:"required,oneof=reminder flag"`
	Title          string           `json:"title" validate:"required"`
	Body           string           `json:"body"`
	CreatedAt      time.Time        `json:"created_at"`
	Read           bool             `json:"read"`
	ActionLink     string           `json:"action_link" validate:"required"`
}

// RunLink returns the action link pointing at a run.
func RunLink(runID string) string {
	return fmt.Sprintf("/runs/%s", runID)
}

// StepLink returns the action link pointing at one step of a run. It is the
// deduplication key for reminders.
func StepLink(runID, stepID string) string {
	return fmt.Sprintf("/runs/%s/steps/%s", runID, stepID)
}
