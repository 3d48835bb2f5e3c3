package diagram

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func onboarding() *schema.ProcessDefinition {
	return &schema.ProcessDefinition{
		ID:             "onboarding",
		Version:        3,
		OrganizationID: "acme",
		Name:           "Onboarding",
		Steps: []schema.StepDefinition{
			{ID: "collect", Title: "Collect documents", Action: "document.parse"},
			{ID: "review", Title: "Review", Action: "document.review", ExpectedDuration: schema.Duration(48 * time.Hour)},
			{ID: "notify", Title: "Notify customer", Action: "email.send"},
		},
	}
}

func runAt(index int, status schema.RunStatus, entries ...schema.LogEntry) *schema.ActiveRun {
	return &schema.ActiveRun{
		ID:               "run-1",
		ProcessID:        "onboarding",
		ProcessVersion:   3,
		OrganizationID:   "acme",
		CurrentStepIndex: index,
		Status:           status,
		StartedBy:        "ana",
		StartedAt:        t0,
		Logs:             schema.NewRunLog(entries...),
	}
}

func statuses(model *DiagramModel) map[string]string {
	out := make(map[string]string)
	for _, n := range model.Nodes {
		if n.Status != nil {
			out[n.ID] = n.Status.Status
		}
	}
	return out
}

func TestBuildDefinitionOnly(t *testing.T) {
	model, err := Build(onboarding(), nil, t0)
	require.NoError(t, err)

	require.Len(t, model.Nodes, 5)
	assert.Equal(t, startID, model.Nodes[0].ID)
	assert.Equal(t, endID, model.Nodes[4].ID)
	assert.Equal(t, NodeKindAuto, model.Nodes[1].Kind)
	assert.Equal(t, NodeKindHuman, model.Nodes[2].Kind)
	assert.Equal(t, "Onboarding v3", model.Title)
	assert.Empty(t, statuses(model))

	require.Len(t, model.Edges, 4)
	assert.Equal(t, Edge{From: startID, To: "collect"}, model.Edges[0])
	assert.Equal(t, Edge{From: "notify", To: endID}, model.Edges[3])
}

func TestBuildRunOverlay(t *testing.T) {
	run := runAt(1, schema.RunStatusActive,
		schema.LogEntry{StepID: "collect", Outcome: schema.OutcomeSuccess, Timestamp: t0},
		schema.LogEntry{StepID: "review", Outcome: schema.OutcomePending, Timestamp: t0},
	)

	model, err := Build(onboarding(), run, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"collect": StatusDone,
		"review":  StatusWaiting,
		"notify":  StatusPending,
	}, statuses(model))
	assert.False(t, model.Nodes[2].Status.Overdue)
	assert.Contains(t, model.Title, "run run-1, active")

	model, err = Build(onboarding(), run, t0.Add(49*time.Hour))
	require.NoError(t, err)
	assert.True(t, model.Nodes[2].Status.Overdue)
}

func TestBuildCompletedRecordsActor(t *testing.T) {
	output, err := json.Marshal(map[string]any{"completed_by": "ben"})
	require.NoError(t, err)
	run := runAt(3, schema.RunStatusCompleted,
		schema.LogEntry{StepID: "collect", Outcome: schema.OutcomeSuccess, Timestamp: t0},
		schema.LogEntry{StepID: "review", Outcome: schema.OutcomeSuccess, Output: output, Timestamp: t0},
		schema.LogEntry{StepID: "notify", Outcome: schema.OutcomeSuccess, Timestamp: t0},
	)

	model, err := Build(onboarding(), run, t0)
	require.NoError(t, err)
	for id, st := range statuses(model) {
		assert.Equal(t, StatusDone, st, id)
	}
	assert.Equal(t, "ben", model.Nodes[2].Status.Actor)
}

func TestBuildFlaggedCarriesError(t *testing.T) {
	detail, err := json.Marshal(schema.ErrorDetail{Error: "smtp timeout", Code: schema.ErrCodeExecutor})
	require.NoError(t, err)
	run := runAt(2, schema.RunStatusFlagged,
		schema.LogEntry{StepID: "notify", Outcome: schema.OutcomeFlagged, Output: detail, Timestamp: t0},
	)

	model, err := Build(onboarding(), run, t0)
	require.NoError(t, err)
	node := model.Nodes[3]
	require.NotNil(t, node.Status)
	assert.Equal(t, StatusFlagged, node.Status.Status)
	assert.Equal(t, "smtp timeout", node.Status.Error)
}

func TestBuildAutoCurrent(t *testing.T) {
	model, err := Build(onboarding(), runAt(0, schema.RunStatusActive), t0)
	require.NoError(t, err)
	assert.Equal(t, StatusCurrent, model.Nodes[1].Status.Status)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(nil, nil, t0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	other := runAt(0, schema.RunStatusActive)
	other.ProcessID = "offboarding"
	_, err = Build(onboarding(), other, t0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
