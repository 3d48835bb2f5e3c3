package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/steward/pkg/schema"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var zeroTime time.Time

var validate = validator.New(validator.WithRequiredStructEnabled())

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/steward.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection: SQLite serializes writers anyway and the run update
	// transaction must not interleave with another writer's.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return wrapStore("vacuum", err)
}

// --- Process definitions ---

func (s *LibSQLStore) SaveProcess(ctx context.Context, def *schema.ProcessDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStore("begin tx", err)
	}
	defer tx.Rollback()

	var latest int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM process_definitions WHERE id = ?`, def.ID,
	).Scan(&latest); err != nil {
		return wrapStore("read process version", err)
	}

	def.Version = latest + 1
	def.CreatedAt = timeOrNow(def.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO process_definitions (id, version, organization_id, name, steps, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.OrganizationID, def.Name, string(steps), formatTime(def.CreatedAt),
	); err != nil {
		return wrapStore("insert process", err)
	}
	return wrapStore("commit", tx.Commit())
}

func (s *LibSQLStore) GetProcess(ctx context.Context, id string, version int) (*schema.ProcessDefinition, error) {
	query := `SELECT id, version, organization_id, name, steps, created_at FROM process_definitions WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	def, err := scanProcess(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if version > 0 {
			return nil, storeNotFound("process", fmt.Sprintf("%s@v%d", id, version))
		}
		return nil, storeNotFound("process", id)
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (s *LibSQLStore) ListProcesses(ctx context.Context, filter ProcessFilter) ([]*schema.ProcessDefinition, error) {
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "p.organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if !filter.AllVersions {
		where = append(where, "p.version = (SELECT MAX(version) FROM process_definitions WHERE id = p.id)")
	}

	query := "SELECT p.id, p.version, p.organization_id, p.name, p.steps, p.created_at FROM process_definitions p"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.id, p.version"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore("list processes", err)
	}
	defer rows.Close()

	var defs []*schema.ProcessDefinition
	for rows.Next() {
		def, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, wrapStore("list processes", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (*schema.ProcessDefinition, error) {
	def := &schema.ProcessDefinition{}
	var steps, createdAt string
	if err := row.Scan(&def.ID, &def.Version, &def.OrganizationID, &def.Name, &steps, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, wrapStore("scan process", err)
	}
	if err := json.Unmarshal([]byte(steps), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	def.CreatedAt = t
	return def, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.ActiveRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if !run.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid run status %q", run.Status).WithRun(run.ID)
	}
	entries := run.Logs.Entries()
	if err := checkEntries(run.ID, entries); err != nil {
		return err
	}

	run.StartedAt = timeOrNow(run.StartedAt)
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.StartedAt
	}
	run.Version = 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStore("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, organization_id, process_id, process_version, process_name, current_step_index, status, started_by, started_at, updated_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrganizationID, run.ProcessID, run.ProcessVersion, run.ProcessName, run.CurrentStepIndex,
		string(run.Status), run.StartedBy, formatTime(run.StartedAt), formatTime(run.UpdatedAt), run.Version,
	); err != nil {
		return wrapStore("insert run", err)
	}
	if err := insertLogs(ctx, tx, run.ID, 0, entries); err != nil {
		return err
	}
	return wrapStore("commit", tx.Commit())
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.ActiveRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadLogs(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate, expectedVersion int64) error {
	if update.Status != nil && !update.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid run status %q", *update.Status).WithRun(id)
	}
	if err := checkEntries(id, update.Append); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStore("begin tx", err)
	}
	defer tx.Rollback()

	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{formatTime(timeOrNow(update.At))}
	if update.CurrentStepIndex != nil {
		sets = append(sets, "current_step_index = ?")
		args = append(args, *update.CurrentStepIndex)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}

	where := []string{"id = ?"}
	args = append(args, id)
	if expectedVersion != AnyVersion {
		where = append(where, "version = ?")
		args = append(args, expectedVersion)
	}
	if update.CurrentStepIndex != nil {
		where = append(where, "current_step_index <= ?")
		args = append(args, *update.CurrentStepIndex)
	}

	query := fmt.Sprintf("UPDATE runs SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(where, " AND "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapStore("update run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStore("update run", err)
	}
	if n == 0 {
		return diagnoseUpdate(ctx, tx, id, update, expectedVersion)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM run_logs WHERE run_id = ?`, id,
	).Scan(&next); err != nil {
		return wrapStore("read log sequence", err)
	}
	if err := insertLogs(ctx, tx, id, next, update.Append); err != nil {
		return err
	}
	return wrapStore("commit", tx.Commit())
}

// diagnoseUpdate explains why the guarded UPDATE matched no row.
func diagnoseUpdate(ctx context.Context, tx *sql.Tx, id string, update RunUpdate, expectedVersion int64) error {
	var version int64
	var index int
	err := tx.QueryRowContext(ctx, `SELECT version, current_step_index FROM runs WHERE id = ?`, id).Scan(&version, &index)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("run", id)
	}
	if err != nil {
		return wrapStore("read run", err)
	}
	if expectedVersion != AnyVersion && version != expectedVersion {
		return schema.NewErrorf(schema.ErrCodeVersionConflict,
			"run was modified concurrently (expected version %d, found %d)", expectedVersion, version).
			WithRun(id).
			WithDetails(map[string]any{"expected_version": expectedVersion, "actual_version": version})
	}
	if update.CurrentStepIndex != nil && *update.CurrentStepIndex < index {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step index cannot decrease from %d to %d", index, *update.CurrentStepIndex).WithRun(id)
	}
	return schema.NewError(schema.ErrCodeStore, "run update matched no rows").WithRun(id)
}

func (s *LibSQLStore) QueryRuns(ctx context.Context, filter RunFilter) ([]*schema.ActiveRun, error) {
	var where []string
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, filter.ProcessID)
	}
	if filter.StartedBy != "" {
		where = append(where, "started_by = ?")
		args = append(args, filter.StartedBy)
	}

	query := runSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore("query runs", err)
	}
	var runs []*schema.ActiveRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapStore("query runs", err)
	}
	rows.Close()

	// Logs are loaded after the cursor is closed: the pool holds one connection.
	for _, run := range runs {
		if err := s.loadLogs(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

const runSelect = `SELECT id, organization_id, process_id, process_version, process_name, current_step_index, status, started_by, started_at, updated_at, version FROM runs`

func scanRun(row rowScanner) (*schema.ActiveRun, error) {
	run := &schema.ActiveRun{}
	var status, startedAt, updatedAt string
	if err := row.Scan(&run.ID, &run.OrganizationID, &run.ProcessID, &run.ProcessVersion, &run.ProcessName,
		&run.CurrentStepIndex, &status, &run.StartedBy, &startedAt, &updatedAt, &run.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, wrapStore("scan run", err)
	}
	run.Status = schema.RunStatus(status)
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) loadLogs(ctx context.Context, run *schema.ActiveRun) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, step_title, action, output, outcome, timestamp FROM run_logs WHERE run_id = ? ORDER BY seq`, run.ID,
	)
	if err != nil {
		return wrapStore("load run logs", err)
	}
	defer rows.Close()

	var entries []schema.LogEntry
	for rows.Next() {
		var e schema.LogEntry
		var output sql.NullString
		var outcome, ts string
		if err := rows.Scan(&e.StepID, &e.StepTitle, &e.Action, &output, &outcome, &ts); err != nil {
			return wrapStore("scan run log", err)
		}
		e.Output = rawOrNil(output)
		e.Outcome = schema.Outcome(outcome)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return wrapStore("load run logs", err)
	}
	run.Logs = schema.NewRunLog(entries...)
	return nil
}

func insertLogs(ctx context.Context, tx *sql.Tx, runID string, firstSeq int, entries []schema.LogEntry) error {
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_logs (run_id, seq, step_id, step_title, action, output, outcome, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, firstSeq+i, e.StepID, e.StepTitle, e.Action, nullRaw(e.Output), string(e.Outcome), formatTime(timeOrNow(e.Timestamp)),
		); err != nil {
			return wrapStore("append run log", err)
		}
	}
	return nil
}

func checkEntries(runID string, entries []schema.LogEntry) error {
	for i, e := range entries {
		if !e.Outcome.Valid() {
			return schema.NewErrorf(schema.ErrCodeValidation, "log entry %d: invalid outcome %q", i, e.Outcome).WithRun(runID)
		}
	}
	return nil
}

// --- Notifications ---

func (s *LibSQLStore) AppendNotification(ctx context.Context, n *schema.Notification) (string, error) {
	if err := validate.Struct(n); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid notification: %s", err.Error()).WithCause(err)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = timeOrNow(n.CreatedAt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, organization_id, run_id, step_id, kind, title, body, action_link, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.OrganizationID, nullStr(n.RunID), nullStr(n.StepID), string(n.Kind), n.Title, n.Body,
		n.ActionLink, boolInt(n.Read), formatTime(n.CreatedAt),
	)
	if err != nil {
		return "", wrapStore("insert notification", err)
	}
	return n.ID, nil
}

func (s *LibSQLStore) ListUnread(ctx context.Context, userID string) ([]*schema.Notification, error) {
	return s.ListNotifications(ctx, NotificationFilter{UserID: userID, UnreadOnly: true})
}

func (s *LibSQLStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*schema.Notification, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.ActionLink != "" {
		where = append(where, "action_link = ?")
		args = append(args, filter.ActionLink)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.UnreadOnly {
		where = append(where, "read = 0")
	}

	query := "SELECT id, user_id, organization_id, run_id, step_id, kind, title, body, action_link, read, created_at FROM notifications"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStore("list notifications", err)
	}
	defer rows.Close()

	var out []*schema.Notification
	for rows.Next() {
		n := &schema.Notification{}
		var runID, stepID sql.NullString
		var kind, createdAt string
		var read int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.OrganizationID, &runID, &stepID, &kind, &n.Title, &n.Body,
			&n.ActionLink, &read, &createdAt); err != nil {
			return nil, wrapStore("scan notification", err)
		}
		n.RunID = runID.String
		n.StepID = stepID.String
		n.Kind = schema.NotificationKind(kind)
		n.Read = read != 0
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, wrapStore("list notifications", rows.Err())
}

func (s *LibSQLStore) MarkRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return wrapStore("mark read", err)
	}
	return checkRowsAffected(res, "notification", id)
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.StewardError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStore("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeStore, "bad timestamp %q", s).WithCause(err)
	}
	return t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
