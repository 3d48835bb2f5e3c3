package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

func recv(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return RunEvent{}
}

func assertEmpty(t *testing.T, ch <-chan RunEvent) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %+v", e)
	default:
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{Type: schema.EventStepCompleted, RunID: "run-1", StepID: "collect"}))
	got := recv(t, ch)
	assert.Equal(t, schema.EventStepCompleted, got.Type)
	assert.Equal(t, "collect", got.StepID)
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	byRun, c1, err := hub.Subscribe(ctx, Filter{RunID: "run-1"})
	require.NoError(t, err)
	defer c1()
	byOrgType, c2, err := hub.Subscribe(ctx, Filter{OrganizationID: "org-1", Types: []string{schema.EventRunFlagged}})
	require.NoError(t, err)
	defer c2()

	require.NoError(t, hub.Publish(ctx, RunEvent{Type: schema.EventRunStarted, RunID: "run-1", OrganizationID: "org-1"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{Type: schema.EventRunFlagged, RunID: "run-2", OrganizationID: "org-1"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{Type: schema.EventRunFlagged, RunID: "run-3", OrganizationID: "org-2"}))

	assert.Equal(t, "run-1", recv(t, byRun).RunID)
	assertEmpty(t, byRun)
	assert.Equal(t, "run-2", recv(t, byOrgType).RunID)
	assertEmpty(t, byOrgType)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, RunEvent{Type: schema.EventRunStarted}))
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub(1)
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(ctx, RunEvent{Type: schema.EventRunStarted}))
	}
	assert.Equal(t, int64(2), hub.Dropped())
	recv(t, ch)
	assertEmpty(t, ch)
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, RunEvent{}), context.Canceled)
}
