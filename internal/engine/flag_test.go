package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/internal/classifier"
	"github.com/rendis/steward/pkg/schema"
)

func TestFlag_ReflagAppendsOneEntryPerCall(t *testing.T) {
	h := newHarness(t)
	def := h.define(t, "p", human("approve"))
	run := h.start(t, def)
	ctx := context.Background()
	before := run.Logs.Len()

	flagged, err := h.eng.Flag(ctx, run.ID, FlagRequest{
		Detail:  schema.ErrorDetail{Error: "customer unreachable"},
		StepRef: &schema.StepRef{StepID: "approve"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFlagged, flagged.Status)

	flagged, err = h.eng.Flag(ctx, run.ID, FlagRequest{
		Detail: schema.ErrorDetail{Error: "customer still unreachable", Details: map[string]any{"attempts": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFlagged, flagged.Status)

	stored := h.reload(t, run.ID)
	assert.Equal(t, schema.RunStatusFlagged, stored.Status)
	require.Equal(t, before+2, stored.Logs.Len())
	assert.Equal(t, 2, countOutcome(stored, schema.OutcomeFlagged))

	first := stored.Logs.At(before)
	assert.Equal(t, "approve", first.StepID)
	assert.Equal(t, "Approve approve", first.StepTitle)
	assert.Equal(t, string(classifier.KindApprovalRequest), first.Action)

	second := stored.Logs.At(before + 1)
	assert.Empty(t, second.StepID)
	assert.Equal(t, schema.SystemErrorAction, second.StepTitle)
	assert.Equal(t, schema.SystemErrorAction, second.Action)
	assert.JSONEq(t, `{"error":"customer still unreachable","details":{"attempts":2}}`, string(second.Output))

	inbox, err := h.store.ListUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, inbox, 2)

	st, err := h.eng.Status(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "customer still unreachable", st.LastError.Error)
}

func TestFlag_CompletedRunIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	def := h.define(t, "p", auto("mail", classifier.KindEmailSend))
	run := h.start(t, def)
	ctx := context.Background()
	_, err := h.eng.Drive(ctx, run.ID)
	require.NoError(t, err)

	_, err = h.eng.Flag(ctx, run.ID, FlagRequest{Detail: schema.ErrorDetail{Error: "late"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	stored := h.reload(t, run.ID)
	assert.Equal(t, schema.RunStatusCompleted, stored.Status)
	assert.Equal(t, 0, countOutcome(stored, schema.OutcomeFlagged))
}

func TestFlag_MissingRunCommitsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Flag(ctx, "missing", FlagRequest{Detail: schema.ErrorDetail{Error: "boom"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	inbox, err := h.store.ListUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestFlag_RequiresError(t *testing.T) {
	h := newHarness(t)
	def := h.define(t, "p", human("approve"))
	run := h.start(t, def)

	_, err := h.eng.Flag(context.Background(), run.ID, FlagRequest{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, schema.RunStatusActive, h.reload(t, run.ID).Status)
}

func TestFlag_UnknownStepIsNotFound(t *testing.T) {
	h := newHarness(t)
	def := h.define(t, "p", human("approve"))
	run := h.start(t, def)
	before := h.reload(t, run.ID)
	ctx := context.Background()

	_, err := h.eng.Flag(ctx, run.ID, FlagRequest{
		Detail:  schema.ErrorDetail{Error: "external check failed"},
		StepRef: &schema.StepRef{StepID: "ghost", StepTitle: "Ghost"},
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	after := h.reload(t, run.ID)
	assert.Equal(t, schema.RunStatusActive, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Logs.Len(), after.Logs.Len())

	inbox, err := h.store.ListUnread(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestReactivate(t *testing.T) {
	h := newHarness(t)
	def := h.define(t, "p", auto("mail", classifier.KindEmailSend), auto("sheet", classifier.KindSheetWrite))
	mail := h.stubs[classifier.KindEmailSend]
	mail.fail(assert.AnError)
	run := h.start(t, def)
	ctx := context.Background()

	_, err := h.eng.Drive(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusFlagged, h.reload(t, run.ID).Status)

	_, err = h.eng.Reactivate(ctx, run.ID, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	reactivated, err := h.eng.Reactivate(ctx, run.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusActive, reactivated.Status)
	assert.Equal(t, 0, reactivated.CurrentStepIndex)

	last, ok := reactivated.Logs.Last()
	require.True(t, ok)
	assert.Equal(t, schema.OutcomePending, last.Outcome)
	assert.Equal(t, "mail", last.StepID)
	var out map[string]any
	require.NoError(t, json.Unmarshal(last.Output, &out))
	assert.Equal(t, "ops", out["reactivated_by"])
	assert.Contains(t, out, "previous_error")

	_, err = h.eng.Reactivate(ctx, run.ID, "ops")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	mail.fail(nil)
	res, err := h.eng.Drive(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mail", "sheet"}, res.CompletedSteps)
	assert.Equal(t, schema.RunStatusCompleted, h.reload(t, run.ID).Status)
}

func countOutcome(run *schema.ActiveRun, o schema.Outcome) int {
	n := 0
	for _, e := range run.Logs.Entries() {
		if e.Outcome == o {
			n++
		}
	}
	return n
}
