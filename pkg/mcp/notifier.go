package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/pkg/schema"
)

// UserNotifier pushes notifications to connected users.
type UserNotifier interface {
	Notify(ctx context.Context, userID string, payload map[string]any) error
}

// MCPNotifier implements UserNotifier using MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes over the user's MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the user's session.
// Best-effort: returns nil if the user is not connected.
func (n *MCPNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// ReminderRelay forwards reminder_emitted hub events to the users they
// concern. The inbox stays the source of truth; the push only
// saves a poll.
type ReminderRelay struct {
	hub      streaming.Hub
	notifier UserNotifier
	logger   *slog.Logger
}

// NewReminderRelay creates a relay from hub to notifier.
func NewReminderRelay(hub streaming.Hub, notifier UserNotifier, logger *slog.Logger) *ReminderRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReminderRelay{hub: hub, notifier: notifier, logger: logger}
}

// Start subscribes to the hub and relays until ctx is done or the returned
// stop func is called.
func (r *ReminderRelay) Start(ctx context.Context) (func(), error) {
	events, cancel, err := r.hub.Subscribe(ctx, streaming.Filter{
		Types: []string{schema.EventReminderEmitted},
	})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.relay(ctx, ev)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (r *ReminderRelay) relay(ctx context.Context, ev streaming.RunEvent) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	userID, _ := payload["user_id"].(string)
	if userID == "" {
		return
	}
	msg := map[string]any{
		"type":            ev.Type,
		"run_id":          ev.RunID,
		"step_id":         ev.StepID,
		"notification_id": payload["notification_id"],
		"action_link":     schema.StepLink(ev.RunID, ev.StepID),
	}
	if err := r.notifier.Notify(ctx, userID, msg); err != nil {
		r.logger.Warn("relay reminder",
			slog.String("user_id", userID),
			slog.String("run_id", ev.RunID),
			slog.String("error", err.Error()),
		)
	}
}
