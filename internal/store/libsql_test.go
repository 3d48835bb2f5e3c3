package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/steward/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seedProcess(t *testing.T, s *LibSQLStore) *schema.ProcessDefinition {
	t.Helper()
	def := &schema.ProcessDefinition{
		ID:             "onboarding",
		OrganizationID: "org-1",
		Name:           "Employee onboarding",
		Steps: []schema.StepDefinition{
			{ID: "collect", Title: "Collect documents", Action: "form.submit", ExpectedDuration: schema.Duration(24 * time.Hour)},
			{ID: "notify", Title: "Notify IT", Action: "log.write"},
		},
	}
	require.NoError(t, s.SaveProcess(context.Background(), def))
	return def
}

func seedRun(t *testing.T, s *LibSQLStore, def *schema.ProcessDefinition, org string) *schema.ActiveRun {
	t.Helper()
	run := &schema.ActiveRun{
		OrganizationID: org,
		ProcessID:      def.ID,
		ProcessVersion: def.Version,
		ProcessName:    def.Name,
		Status:         schema.RunStatusActive,
		StartedBy:      "alice",
		StartedAt:      t0,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedProcess(t, s)
	seedRun(t, s, def, "org-1")

	require.NoError(t, s.Vacuum(ctx))

	runs, err := s.QueryRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only a comment\n;\nCREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

// --- Process definitions ---

func TestSaveProcess_Versions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := seedProcess(t, s)
	assert.Equal(t, 1, v1.Version)

	v2 := &schema.ProcessDefinition{ID: v1.ID, OrganizationID: "org-1", Name: "Onboarding v2", Steps: v1.Steps[:1]}
	require.NoError(t, s.SaveProcess(ctx, v2))
	assert.Equal(t, 2, v2.Version)

	latest, err := s.GetProcess(ctx, v1.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Len(t, latest.Steps, 1)

	old, err := s.GetProcess(ctx, v1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Employee onboarding", old.Name)
	require.Len(t, old.Steps, 2)
	assert.Equal(t, schema.Duration(24*time.Hour), old.Steps[0].ExpectedDuration)

	_, err = s.GetProcess(ctx, v1.ID, 7)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = s.GetProcess(ctx, "missing", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestSaveProcess_GeneratesID(t *testing.T) {
	s := newTestStore(t)
	def := &schema.ProcessDefinition{Name: "anon"}
	require.NoError(t, s.SaveProcess(context.Background(), def))
	assert.NotEmpty(t, def.ID)
	assert.Equal(t, 1, def.Version)
	assert.False(t, def.CreatedAt.IsZero())
}

func TestListProcesses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := seedProcess(t, s)
	require.NoError(t, s.SaveProcess(ctx, &schema.ProcessDefinition{ID: def.ID, OrganizationID: "org-1", Name: "again"}))
	require.NoError(t, s.SaveProcess(ctx, &schema.ProcessDefinition{ID: "other", OrganizationID: "org-2", Name: "other"}))

	latest, err := s.ListProcesses(ctx, ProcessFilter{})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 2, latest[0].Version)

	all, err := s.ListProcesses(ctx, ProcessFilter{AllVersions: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	org2, err := s.ListProcesses(ctx, ProcessFilter{OrganizationID: "org-2"})
	require.NoError(t, err)
	require.Len(t, org2, 1)
	assert.Equal(t, "other", org2[0].ID)
}

// --- Runs ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedProcess(t, s)

	run := &schema.ActiveRun{
		OrganizationID: "org-1",
		ProcessID:      def.ID,
		ProcessVersion: def.Version,
		ProcessName:    def.Name,
		Status:         schema.RunStatusActive,
		StartedBy:      "alice",
		StartedAt:      t0,
		Logs: schema.NewRunLog(schema.LogEntry{
			StepID: "collect", StepTitle: "Collect documents", Action: "form.submit",
			Outcome: schema.OutcomePending, Timestamp: t0,
		}),
	}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, int64(1), run.Version)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, schema.RunStatusActive, got.Status)
	assert.Equal(t, 0, got.CurrentStepIndex)
	assert.True(t, got.StartedAt.Equal(t0))
	require.Equal(t, 1, got.Logs.Len())
	assert.Equal(t, schema.OutcomePending, got.Logs.At(0).Outcome)

	_, err = s.GetRun(ctx, "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCreateRun_RejectsBadOutcome(t *testing.T) {
	s := newTestStore(t)
	def := seedProcess(t, s)
	run := &schema.ActiveRun{
		ProcessID: def.ID, ProcessVersion: def.Version, Status: schema.RunStatusActive,
		Logs: schema.NewRunLog(schema.LogEntry{StepID: "collect", Outcome: "DONE"}),
	}
	err := s.CreateRun(context.Background(), run)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestUpdateRun_AppendsAndBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedProcess(t, s), "org-1")

	out, _ := json.Marshal(map[string]any{"ok": true})
	err := s.UpdateRun(ctx, run.ID, RunUpdate{
		CurrentStepIndex: IntPtr(1),
		Append: []schema.LogEntry{{
			StepID: "collect", StepTitle: "Collect documents", Action: "form.submit",
			Output: out, Outcome: schema.OutcomeSuccess, Timestamp: t0.Add(time.Hour),
		}},
		At: t0.Add(time.Hour),
	}, run.Version)
	require.NoError(t, err)

	err = s.UpdateRun(ctx, run.ID, RunUpdate{
		CurrentStepIndex: IntPtr(2),
		Status:           StatusPtr(schema.RunStatusCompleted),
		Append:           []schema.LogEntry{{StepID: "notify", Outcome: schema.OutcomeSuccess, Timestamp: t0.Add(2 * time.Hour)}},
	}, run.Version+1)
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, 2, got.CurrentStepIndex)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	require.Equal(t, 2, got.Logs.Len())
	assert.Equal(t, "collect", got.Logs.At(0).StepID)
	assert.JSONEq(t, `{"ok":true}`, string(got.Logs.At(0).Output))
	assert.Equal(t, "notify", got.Logs.At(1).StepID)
}

func TestUpdateRun_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedProcess(t, s), "org-1")

	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Append: []schema.LogEntry{{StepID: "collect", Outcome: schema.OutcomePending}},
	}, run.Version))

	err := s.UpdateRun(ctx, run.ID, RunUpdate{
		CurrentStepIndex: IntPtr(1),
		Append:           []schema.LogEntry{{StepID: "collect", Outcome: schema.OutcomeSuccess}},
	}, run.Version)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVersionConflict))

	// Nothing from the rejected write is visible.
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStepIndex)
	assert.Equal(t, 1, got.Logs.Len())
}

func TestUpdateRun_AnyVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedProcess(t, s), "org-1")

	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: StatusPtr(schema.RunStatusFlagged)}, AnyVersion))
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFlagged, got.Status)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(context.Background(), "ghost", RunUpdate{Status: StatusPtr(schema.RunStatusFlagged)}, 1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdateRun_IndexNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedProcess(t, s), "org-1")

	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{CurrentStepIndex: IntPtr(1)}, run.Version))
	err := s.UpdateRun(ctx, run.ID, RunUpdate{CurrentStepIndex: IntPtr(0)}, run.Version+1)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestUpdateRun_RejectsInvalidValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, seedProcess(t, s), "org-1")

	err := s.UpdateRun(ctx, run.ID, RunUpdate{Append: []schema.LogEntry{{StepID: "x", Outcome: "RETRY"}}}, run.Version)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	bad := schema.RunStatus("paused")
	err = s.UpdateRun(ctx, run.ID, RunUpdate{Status: &bad}, run.Version)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestQueryRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedProcess(t, s)

	a := seedRun(t, s, def, "org-1")
	b := seedRun(t, s, def, "org-2")
	c := seedRun(t, s, def, "org-1")
	require.NoError(t, s.UpdateRun(ctx, c.ID, RunUpdate{Status: StatusPtr(schema.RunStatusFlagged)}, c.Version))

	active, err := s.QueryRuns(ctx, RunFilter{Status: StatusPtr(schema.RunStatusActive)})
	require.NoError(t, err)
	ids := []string{}
	for _, r := range active {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	org1, err := s.QueryRuns(ctx, RunFilter{OrganizationID: "org-1", Status: StatusPtr(schema.RunStatusActive)})
	require.NoError(t, err)
	require.Len(t, org1, 1)
	assert.Equal(t, a.ID, org1[0].ID)

	all, err := s.QueryRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Notifications ---

func TestNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := &schema.Notification{
		UserID:     "bob",
		RunID:      "run-1",
		StepID:     "collect",
		Kind:       schema.NotificationReminder,
		Title:      "Step overdue",
		ActionLink: schema.StepLink("run-1", "collect"),
		CreatedAt:  t0,
	}
	id, err := s.AppendNotification(ctx, n)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = s.AppendNotification(ctx, &schema.Notification{
		UserID: "bob", Kind: schema.NotificationFlag, Title: "Run flagged",
		ActionLink: schema.RunLink("run-2"), CreatedAt: t0.Add(time.Minute),
	})
	require.NoError(t, err)

	unread, err := s.ListUnread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, id, unread[0].ID)
	assert.Equal(t, "collect", unread[0].StepID)
	assert.True(t, unread[0].CreatedAt.Equal(t0))

	byLink, err := s.ListNotifications(ctx, NotificationFilter{UserID: "bob", ActionLink: schema.StepLink("run-1", "collect"), UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, byLink, 1)

	require.NoError(t, s.MarkRead(ctx, id))
	unread, err = s.ListUnread(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, schema.NotificationFlag, unread[0].Kind)

	// Read notifications are kept.
	all, err := s.ListNotifications(ctx, NotificationFilter{UserID: "bob"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = s.MarkRead(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAppendNotification_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendNotification(context.Background(), &schema.Notification{Kind: schema.NotificationReminder, Title: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = s.AppendNotification(context.Background(), &schema.Notification{
		UserID: "bob", Kind: "digest", Title: "x", ActionLink: "/runs/1",
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
