package store

import (
	"time"

	"github.com/rendis/steward/pkg/schema"
)

// AnyVersion disables the optimistic concurrency check in UpdateRun.
const AnyVersion int64 = -1

// RunUpdate holds the fields to change on a run. Nil fields are left alone.
// Append entries are added to the end of the run log in order.
type RunUpdate struct {
	CurrentStepIndex *int
	Status           *schema.RunStatus
	Append           []schema.LogEntry
	At               time.Time // stored as updated_at; zero means now
}

// IsEmpty reports whether the update would change nothing.
func (u RunUpdate) IsEmpty() bool {
	return u.CurrentStepIndex == nil && u.Status == nil && len(u.Append) == 0
}

// RunFilter selects runs for QueryRuns. Zero values match everything.
type RunFilter struct {
	OrganizationID string
	Status         *schema.RunStatus
	ProcessID      string
	StartedBy      string
	Limit          int
	Offset         int
}

// ProcessFilter selects process definitions. Only the latest version of each
// process is returned unless AllVersions is set.
type ProcessFilter struct {
	OrganizationID string
	AllVersions    bool
	Limit          int
}

// NotificationFilter selects notifications.
type NotificationFilter struct {
	UserID     string
	RunID      string
	ActionLink string
	Kind       schema.NotificationKind
	UnreadOnly bool
	Limit      int
}

// StatusPtr returns a pointer to s, for building filters and updates.
func StatusPtr(s schema.RunStatus) *schema.RunStatus { return &s }

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }
