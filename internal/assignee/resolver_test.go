package assignee

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

func newRun() *schema.ActiveRun {
	return &schema.ActiveRun{
		ID:               "run-1",
		OrganizationID:   "org-1",
		ProcessID:        "onboarding",
		StartedBy:        "alice",
		CurrentStepIndex: 1,
	}
}

func TestResolve_EmptyRuleIsStarter(t *testing.T) {
	r, err := NewResolver()
	require.NoError(t, err)

	user, err := r.Resolve(context.Background(), newRun(), &schema.StepDefinition{ID: "approve"})
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	run := newRun()
	run.StartedBy = ""
	_, err = r.Resolve(context.Background(), run, &schema.StepDefinition{ID: "approve"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestResolve_Rules(t *testing.T) {
	r, err := NewResolver()
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		name string
		step schema.StepDefinition
		want string
	}{
		{"literal", schema.StepDefinition{ID: "a", Assignee: `"bob"`}, "bob"},
		{"from run", schema.StepDefinition{ID: "a", Assignee: `run.started_by + "@" + run.organization_id`}, "alice@org-1"},
		{"from params", schema.StepDefinition{
			ID:       "sign",
			Assignee: `has(step.params.signer) ? step.params.signer : run.started_by`,
			Params:   json.RawMessage(`{"signer":"carol"}`),
		}, "carol"},
		{"params fallback", schema.StepDefinition{
			ID:       "sign",
			Assignee: `has(step.params.signer) ? step.params.signer : run.started_by`,
		}, "alice"},
		{"by index", schema.StepDefinition{ID: "a", Assignee: `step.index == 1 ? "manager" : "clerk"`}, "manager"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user, err := r.Resolve(ctx, newRun(), &tc.step)
			require.NoError(t, err)
			assert.Equal(t, tc.want, user)
		})
	}
}

func TestResolve_BadRules(t *testing.T) {
	r, err := NewResolver()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Resolve(ctx, newRun(), &schema.StepDefinition{ID: "a", Assignee: `42`})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = r.Resolve(ctx, newRun(), &schema.StepDefinition{ID: "a", Assignee: `""`})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

	_, err = r.Resolve(ctx, newRun(), &schema.StepDefinition{ID: "a", Assignee: `run.`})
	require.Error(t, err)
	se, ok := schema.AsError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
	assert.Equal(t, "run-1", se.RunID)
	assert.Equal(t, "a", se.StepID)
}

func TestCheck(t *testing.T) {
	r, err := NewResolver()
	require.NoError(t, err)
	assert.NoError(t, r.Check(""))
	assert.NoError(t, r.Check(`run.started_by`))
	assert.Error(t, r.Check(`nope.x`))
}
