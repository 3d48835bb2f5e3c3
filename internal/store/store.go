package store

import (
	"context"

	"github.com/rendis/steward/pkg/schema"
)

// RunStore persists active runs and their append-only logs.
type RunStore interface {
	CreateRun(ctx context.Context, run *schema.ActiveRun) error
	GetRun(ctx context.Context, id string) (*schema.ActiveRun, error)
	// UpdateRun applies update and appends its log entries in one atomic
	// write. It fails with VERSION_CONFLICT when the stored version differs
	// from expectedVersion (AnyVersion skips the check) and NOT_FOUND when
	// the run does not exist.
	UpdateRun(ctx context.Context, id string, update RunUpdate, expectedVersion int64) error
	QueryRuns(ctx context.Context, filter RunFilter) ([]*schema.ActiveRun, error)
}

// ProcessStore persists immutable, versioned process definitions.
type ProcessStore interface {
	// SaveProcess stores def as the next version of def.ID and sets
	// def.Version accordingly.
	SaveProcess(ctx context.Context, def *schema.ProcessDefinition) error
	// GetProcess returns the given version, or the latest when version is 0.
	GetProcess(ctx context.Context, id string, version int) (*schema.ProcessDefinition, error)
	ListProcesses(ctx context.Context, filter ProcessFilter) ([]*schema.ProcessDefinition, error)
}

// NotificationSink is the per-user inbox. Notifications are never deleted.
type NotificationSink interface {
	AppendNotification(ctx context.Context, n *schema.Notification) (string, error)
	ListUnread(ctx context.Context, userID string) ([]*schema.Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*schema.Notification, error)
	MarkRead(ctx context.Context, id string) error
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	RunStore
	ProcessStore
	NotificationSink

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
