// Package scanner finds runs whose current step has outlived its expected
// duration and sends one reminder per (run, step) to the step's assignee.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/steward/internal/clock"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/notify"
	"github.com/rendis/steward/internal/pool"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/internal/telemetry"
	"github.com/rendis/steward/pkg/schema"
)

// DefaultConcurrency is the number of runs inspected in parallel.
const DefaultConcurrency = 4

// ErrScanInProgress is returned when Scan is called while another scan of the
// same Scanner is running.
var ErrScanInProgress = schema.NewError(schema.ErrCodeScanInProgress, "a scan is already in progress")

// RecipientResolver picks the user to remind. Satisfied by *assignee.Resolver.
type RecipientResolver interface {
	Resolve(ctx context.Context, run *schema.ActiveRun, step *schema.StepDefinition) (string, error)
}

// Config holds scanner options.
type Config struct {
	Concurrency int
	Clock       clock.Clock
	Hub         streaming.Hub // nil = no reminder_emitted events
	Logger      *slog.Logger
}

// ScanOptions narrows a scan. Zero values scan every active run.
type ScanOptions struct {
	OrganizationID string `json:"organization_id,omitempty"`
}

// ScanReport summarizes one scan.
type ScanReport struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Scanned    int          `json:"scanned"`
	Overdue    int          `json:"overdue"`
	Emitted    int          `json:"emitted"`
	Skipped    int          `json:"skipped"`
	Failures   []RunFailure `json:"failures,omitempty"`
}

// RunFailure records a run that could not be processed.
type RunFailure struct {
	RunID  string `json:"run_id"`
	StepID string `json:"step_id,omitempty"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error"`
}

// Scanner detects overdue steps. It never modifies runs.
type Scanner struct {
	store       store.Store
	resolver    RecipientResolver
	clock       clock.Clock
	hub         streaming.Hub
	logger      *slog.Logger
	concurrency int

	running atomic.Bool
}

// New creates a Scanner.
func New(s store.Store, resolver RecipientResolver, cfg Config) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Scanner{
		store:       s,
		resolver:    resolver,
		clock:       cfg.Clock,
		hub:         cfg.Hub,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// Scan inspects active runs once. Per-run failures are logged and collected
// in the report; failing to list runs aborts before anything is written.
// An interrupted scan returns the partial report and ctx's error; the next
// scan picks up where it left off because reminders are deduplicated.
func (s *Scanner) Scan(ctx context.Context, opts ScanOptions) (*ScanReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.running.Store(false)

	ctx, span := telemetry.StartSpan(ctx, "steward.scan",
		attribute.String(telemetry.OrganizationIDKey, opts.OrganizationID))
	defer span.End()

	now := s.clock.Now()
	active := schema.RunStatusActive
	runs, err := s.store.QueryRuns(ctx, store.RunFilter{OrganizationID: opts.OrganizationID, Status: &active})
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}

	sc := &scan{Scanner: s, now: now, report: &ScanReport{StartedAt: now}, defs: make(map[defKey]*schema.ProcessDefinition)}
	p := pool.New(s.concurrency, sc.failed)
	var interrupted error
	for _, run := range runs {
		if err := p.Submit(ctx, run.ID, func(ctx context.Context) error {
			return sc.inspect(ctx, run)
		}); err != nil {
			interrupted = err
			break
		}
	}
	p.Shutdown()
	workers := p.Metrics()

	report := sc.finish(s.clock.Now())
	span.SetAttributes(
		attribute.Int("steward.scan.scanned", report.Scanned),
		attribute.Int("steward.scan.overdue", report.Overdue),
		attribute.Int("steward.scan.emitted", report.Emitted),
		attribute.Int("steward.scan.failures", len(report.Failures)),
	)
	s.logger.Info("scan finished",
		slog.String("organization_id", opts.OrganizationID),
		slog.Int("scanned", report.Scanned),
		slog.Int("overdue", report.Overdue),
		slog.Int("emitted", report.Emitted),
		slog.Int("skipped", report.Skipped),
		slog.Int("failures", len(report.Failures)),
		slog.Int64("panics", workers.Panics),
	)
	if interrupted != nil {
		telemetry.SetError(span, interrupted)
		return report, interrupted
	}
	return report, nil
}

type defKey struct {
	id      string
	version int
}

// scan is the state of one Scan call.
type scan struct {
	*Scanner
	now time.Time

	mu     sync.Mutex
	report *ScanReport
	defs   map[defKey]*schema.ProcessDefinition
}

// inspect handles one run: detect, resolve the recipient, deduplicate, emit.
func (sc *scan) inspect(ctx context.Context, run *schema.ActiveRun) error {
	ctx = logging.WithRun(ctx, run.ID, run.OrganizationID)
	sc.count(func(r *ScanReport) { r.Scanned++ })

	def, err := sc.process(ctx, run)
	if err != nil {
		return err
	}
	step, ok := def.Step(run.CurrentStepIndex)
	if !ok {
		return nil
	}
	overdueBy, ok := Overdue(run, step, sc.now)
	if !ok {
		return nil
	}
	sc.count(func(r *ScanReport) { r.Overdue++ })

	ctx = logging.WithStep(ctx, step.ID)
	recipient, err := sc.resolver.Resolve(ctx, run, step)
	if err != nil {
		return err
	}

	link := schema.StepLink(run.ID, step.ID)
	existing, err := sc.store.ListNotifications(ctx, store.NotificationFilter{
		UserID:     recipient,
		ActionLink: link,
		Kind:       schema.NotificationReminder,
		UnreadOnly: true,
		Limit:      1,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "check existing reminders: %s", err.Error()).
			WithRun(run.ID).WithStep(step.ID).WithCause(err)
	}
	if len(existing) > 0 {
		sc.count(func(r *ScanReport) { r.Skipped++ })
		return nil
	}

	n := notify.Reminder(run, step, recipient, overdueBy, sc.now)
	id, err := sc.store.AppendNotification(ctx, n)
	if err != nil {
		return err
	}
	sc.count(func(r *ScanReport) { r.Emitted++ })

	logging.LogWith(ctx, sc.logger).Info("reminder emitted",
		slog.String("user_id", recipient),
		slog.String("notification_id", id),
		slog.Duration("overdue_by", overdueBy))
	sc.publish(ctx, run, step, id, recipient)
	return nil
}

func (sc *scan) process(ctx context.Context, run *schema.ActiveRun) (*schema.ProcessDefinition, error) {
	key := defKey{run.ProcessID, run.ProcessVersion}
	sc.mu.Lock()
	def, ok := sc.defs[key]
	sc.mu.Unlock()
	if ok {
		return def, nil
	}

	def, err := sc.store.GetProcess(ctx, run.ProcessID, run.ProcessVersion)
	if err != nil {
		return nil, err
	}
	sc.mu.Lock()
	sc.defs[key] = def
	sc.mu.Unlock()
	return def, nil
}

func (sc *scan) publish(ctx context.Context, run *schema.ActiveRun, step *schema.StepDefinition, id, recipient string) {
	if sc.hub == nil {
		return
	}
	err := sc.hub.Publish(ctx, streaming.RunEvent{
		Type:           schema.EventReminderEmitted,
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
		StepID:         step.ID,
		Status:         string(run.Status),
		Timestamp:      sc.now,
		Payload:        map[string]any{"notification_id": id, "user_id": recipient},
	})
	if err != nil {
		logging.LogWith(ctx, sc.logger).Warn("publish reminder event", slog.String("error", err.Error()))
	}
}

// failed receives per-run errors from the pool.
func (sc *scan) failed(runID string, err error) {
	f := RunFailure{RunID: runID, Error: err.Error()}
	if se, ok := schema.AsError(err); ok {
		f.Code = se.Code
		f.StepID = se.StepID
	}
	sc.logger.Warn("scan skipped run",
		slog.String("run_id", runID),
		slog.String("code", f.Code),
		slog.String("error", f.Error))
	sc.count(func(r *ScanReport) { r.Failures = append(r.Failures, f) })
}

func (sc *scan) count(fn func(r *ScanReport)) {
	sc.mu.Lock()
	fn(sc.report)
	sc.mu.Unlock()
}

func (sc *scan) finish(at time.Time) *ScanReport {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.report.FinishedAt = at
	return sc.report
}

// Overdue reports whether step has been current for longer than its
// expected duration, and by how much. Steps without an expectation are never
// overdue.
func Overdue(run *schema.ActiveRun, step *schema.StepDefinition, now time.Time) (time.Duration, bool) {
	expected := step.ExpectedDuration.Std()
	if expected <= 0 {
		return 0, false
	}
	elapsed := now.Sub(run.StepStartedAt(step.ID))
	if elapsed <= expected {
		return 0, false
	}
	return elapsed - expected, true
}

func (r *ScanReport) String() string {
	return fmt.Sprintf("scanned=%d overdue=%d emitted=%d skipped=%d failures=%d",
		r.Scanned, r.Overdue, r.Emitted, r.Skipped, len(r.Failures))
}
