package mcp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/pkg/schema"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string][]map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string][]map[string]any)
	}
	n.calls[userID] = append(n.calls[userID], payload)
	return nil
}

func (n *recordingNotifier) count(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls[userID])
}

func TestMCPNotifier_NotConnected(t *testing.T) {
	srv := server.NewMCPServer("test", "0.0.0")
	n := NewMCPNotifier(srv, NewSessionRegistry())

	err := n.Notify(context.Background(), "ana", map[string]any{"type": "reminder_emitted"})
	assert.NoError(t, err)
}

func TestMCPNotifier_StaleSessionRemoved(t *testing.T) {
	srv := server.NewMCPServer("test", "0.0.0")
	sessions := NewSessionRegistry()
	sessions.Register("ana", "gone")
	n := NewMCPNotifier(srv, sessions)

	err := n.Notify(context.Background(), "ana", map[string]any{"type": "reminder_emitted"})
	assert.NoError(t, err)
	_, ok := sessions.SessionFor("ana")
	assert.False(t, ok)
}

func TestReminderRelay_ForwardsReminders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := streaming.NewMemoryHub(16)
	rec := &recordingNotifier{}
	relay := NewReminderRelay(hub, rec, nil)
	stop, err := relay.Start(ctx)
	require.NoError(t, err)
	defer stop()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, hub.Publish(ctx, streaming.RunEvent{
		Type:      schema.EventStepCompleted,
		RunID:     "run-1",
		Timestamp: now,
	}))
	require.NoError(t, hub.Publish(ctx, streaming.RunEvent{
		Type:      schema.EventReminderEmitted,
		RunID:     "run-1",
		StepID:    "review",
		Timestamp: now,
		Payload:   map[string]any{"notification_id": "n-1", "user_id": "ana"},
	}))

	require.Eventually(t, func() bool { return rec.count("ana") == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	msg := rec.calls["ana"][0]
	rec.mu.Unlock()
	assert.Equal(t, "n-1", msg["notification_id"])
	assert.Equal(t, schema.StepLink("run-1", "review"), msg["action_link"])
}

func TestReminderRelay_StopReleasesSubscription(t *testing.T) {
	hub := streaming.NewMemoryHub(4)
	relay := NewReminderRelay(hub, &recordingNotifier{}, nil)

	stop, err := relay.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	stop()
	assert.Equal(t, 0, hub.Subscribers())
}
