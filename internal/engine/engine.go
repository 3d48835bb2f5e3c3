// Package engine advances process runs step by step and flags them on
// unrecoverable failure.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/steward/internal/classifier"
	"github.com/rendis/steward/internal/clock"
	"github.com/rendis/steward/internal/executors"
	"github.com/rendis/steward/internal/lock"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/internal/telemetry"
	"github.com/rendis/steward/internal/validation"
	"github.com/rendis/steward/pkg/schema"
)

// Engine is the run execution coordinator.
type Engine interface {
	// StartRun creates a run of the requested process version (latest when
	// zero) at step 0. A process without steps starts completed.
	StartRun(ctx context.Context, req StartRequest) (*schema.ActiveRun, error)

	// Advance moves the run by at most one step. AUTO steps are executed;
	// HUMAN steps need a completion signal.
	Advance(ctx context.Context, runID string, signal *schema.CompletionSignal) (*AdvanceResult, error)

	// Drive calls Advance until the run waits on a HUMAN step or stops.
	Drive(ctx context.Context, runID string) (*AdvanceResult, error)

	// Complete delivers a HUMAN completion and drives the AUTO steps after it.
	Complete(ctx context.Context, runID string, signal schema.CompletionSignal) (*AdvanceResult, error)

	// Reactivate returns a flagged run to active at its current step.
	Reactivate(ctx context.Context, runID, actor string) (*schema.ActiveRun, error)

	// Flag marks the run flagged and records detail in its log.
	Flag(ctx context.Context, runID string, req FlagRequest) (*schema.ActiveRun, error)

	// Status returns a snapshot of the run and its current step.
	Status(ctx context.Context, runID string) (*RunStatus, error)
}

// StepRunner executes AUTO steps. Satisfied by *executors.Registry.
type StepRunner interface {
	Execute(ctx context.Context, kind schema.ActionKind, sc executors.StepContext) (*executors.Result, error)
}

// StartRequest asks for a new run.
type StartRequest struct {
	ProcessID      string `json:"process_id"`
	ProcessVersion int    `json:"process_version,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	StartedBy      string `json:"started_by"`
	RunID          string `json:"run_id,omitempty"`
}

// AdvanceResult describes what an Advance (or Drive, Complete) call did.
type AdvanceResult struct {
	Run            *schema.ActiveRun   `json:"run"`
	CompletedSteps []string            `json:"completed_steps,omitempty"`
	StepID         string              `json:"step_id,omitempty"`
	Waiting        bool                `json:"waiting,omitempty"`
	Duplicate      bool                `json:"duplicate,omitempty"`
	Terminal       bool                `json:"terminal,omitempty"`
	Flag           *schema.ErrorDetail `json:"flag,omitempty"`
}

// Advanced reports whether at least one step was completed.
func (r *AdvanceResult) Advanced() bool { return len(r.CompletedSteps) > 0 }

// RunStatus is a read-only view of a run.
type RunStatus struct {
	Run           *schema.ActiveRun         `json:"run"`
	Process       *schema.ProcessDefinition `json:"process"`
	CurrentStep   *schema.StepDefinition    `json:"current_step,omitempty"`
	Mode          classifier.Mode           `json:"mode,omitempty"`
	StepStartedAt *time.Time                `json:"step_started_at,omitempty"`
	Overdue       bool                      `json:"overdue,omitempty"`
	LastError     *schema.ErrorDetail       `json:"last_error,omitempty"`
}

// Config holds the optional collaborators of the engine.
type Config struct {
	Locker    lock.Locker          // nil = in-process MemoryLocker
	Hub       streaming.Hub        // nil = no live events
	Clock     clock.Clock          // nil = clock.Real
	Validator validation.Validator // nil = definitions are not re-validated at start
	Logger    *slog.Logger
}

type engineImpl struct {
	store     store.Store
	runner    StepRunner
	locker    lock.Locker
	hub       streaming.Hub
	clock     clock.Clock
	validator validation.Validator
	logger    *slog.Logger
}

// New creates an Engine.
func New(s store.Store, runner StepRunner, cfg Config) Engine {
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemoryLocker()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &engineImpl{
		store:     s,
		runner:    runner,
		locker:    cfg.Locker,
		hub:       cfg.Hub,
		clock:     cfg.Clock,
		validator: cfg.Validator,
		logger:    cfg.Logger,
	}
}

// transition is a planned write plus what to report once it commits.
type transition struct {
	update    store.RunUpdate
	result    AdvanceResult
	events    []streaming.RunEvent
	flagRef   *schema.StepRef
	flagError *schema.ErrorDetail
}

type planFunc func(ctx context.Context, run *schema.ActiveRun, def *schema.ProcessDefinition) (*transition, error)

// StartRun creates a new run.
func (e *engineImpl) StartRun(ctx context.Context, req StartRequest) (*schema.ActiveRun, error) {
	ctx, span := telemetry.StartSpan(ctx, "steward.start",
		attribute.String(telemetry.ProcessIDKey, req.ProcessID))
	defer span.End()

	run, err := e.startRun(ctx, req)
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String(telemetry.RunIDKey, run.ID))
	return run, nil
}

func (e *engineImpl) startRun(ctx context.Context, req StartRequest) (*schema.ActiveRun, error) {
	if req.ProcessID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "process_id is required")
	}
	if req.StartedBy == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "started_by is required")
	}

	def, err := e.store.GetProcess(ctx, req.ProcessID, req.ProcessVersion)
	if err != nil {
		return nil, err
	}
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}

	org := req.OrganizationID
	switch {
	case org == "":
		org = def.OrganizationID
	case def.OrganizationID != "" && def.OrganizationID != org:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"process %q belongs to another organization", def.ID)
	}

	now := e.clock.Now()
	run := &schema.ActiveRun{
		ID:             req.RunID,
		OrganizationID: org,
		ProcessID:      def.ID,
		ProcessVersion: def.Version,
		ProcessName:    def.Name,
		Status:         schema.RunStatusActive,
		StartedBy:      req.StartedBy,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if len(def.Steps) == 0 {
		run.Status = schema.RunStatusCompleted
	} else if entry, ok := arrivalEntry(&def.Steps[0], now); ok {
		run.Logs.Append(entry)
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	ctx = logging.WithRun(ctx, run.ID, run.OrganizationID)
	logging.LogWith(ctx, e.logger).Info("run started",
		slog.String("process_id", def.ID),
		slog.Int("process_version", def.Version),
		slog.Int("steps", len(def.Steps)))

	e.publish(ctx, e.event(run, schema.EventRunStarted, "", now))
	if run.Status == schema.RunStatusCompleted {
		e.publish(ctx, e.event(run, schema.EventRunCompleted, "", now))
	} else if run.Logs.Len() > 0 {
		e.publish(ctx, e.event(run, schema.EventStepWaiting, def.Steps[0].ID, now))
	}
	return run, nil
}

// Advance moves the run by at most one step.
func (e *engineImpl) Advance(ctx context.Context, runID string, signal *schema.CompletionSignal) (*AdvanceResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "steward.advance", attribute.String(telemetry.RunIDKey, runID))
	defer span.End()

	// The executor runs at most once per step, even when a version conflict
	// forces a second planning pass.
	memo := &autoMemo{index: -1}
	run, tr, err := e.mutate(ctx, runID, func(ctx context.Context, run *schema.ActiveRun, def *schema.ProcessDefinition) (*transition, error) {
		return e.planAdvance(ctx, run, def, signal, memo)
	})
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	res := tr.result
	res.Run = run
	span.SetAttributes(
		attribute.Int(telemetry.StepIndexKey, run.CurrentStepIndex),
		attribute.String(telemetry.OutcomeKey, string(run.Status)),
	)
	return &res, nil
}

// Drive advances until the run waits or stops.
func (e *engineImpl) Drive(ctx context.Context, runID string) (*AdvanceResult, error) {
	_, def, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}

	out := &AdvanceResult{}
	// Each iteration completes a step or stops, so the loop is bounded by
	// the step count.
	for i := 0; i <= len(def.Steps); i++ {
		res, err := e.Advance(ctx, runID, nil)
		if err != nil {
			return nil, err
		}
		merge(out, res)
		if !res.Advanced() || res.Run.IsTerminal() {
			return out, nil
		}
	}
	return out, nil
}

// Complete delivers a HUMAN completion, then drives the run.
func (e *engineImpl) Complete(ctx context.Context, runID string, signal schema.CompletionSignal) (*AdvanceResult, error) {
	res, err := e.Advance(ctx, runID, &signal)
	if err != nil {
		return nil, err
	}
	if !res.Advanced() || res.Run.IsTerminal() {
		return res, nil
	}
	next, err := e.Drive(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := &AdvanceResult{}
	merge(out, res)
	merge(out, next)
	return out, nil
}

// Reactivate is the administrative flagged -> active transition.
func (e *engineImpl) Reactivate(ctx context.Context, runID, actor string) (*schema.ActiveRun, error) {
	if actor == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "actor is required").WithRun(runID)
	}
	ctx, span := telemetry.StartSpan(ctx, "steward.reactivate", attribute.String(telemetry.RunIDKey, runID))
	defer span.End()

	run, _, err := e.mutate(ctx, runID, func(ctx context.Context, run *schema.ActiveRun, def *schema.ProcessDefinition) (*transition, error) {
		if run.Status != schema.RunStatusFlagged {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"only flagged runs can be reactivated (status %s)", run.Status).WithRun(run.ID)
		}
		if err := CheckTransition(run.ID, run.Status, schema.RunStatusActive); err != nil {
			return nil, err
		}

		now := e.clock.Now()
		output := map[string]any{"reactivated_by": actor}
		if last, _, ok := run.Logs.LastFlagged(); ok && len(last.Output) > 0 {
			output["previous_error"] = last.Output
		}
		raw, err := json.Marshal(output)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode reactivation: %s", err.Error()).WithCause(err)
		}

		entry := schema.LogEntry{Action: schema.SystemErrorAction, Output: raw, Timestamp: now, Outcome: schema.OutcomePending}
		stepID := ""
		if step, ok := def.Step(run.CurrentStepIndex); ok {
			stepID = step.ID
			entry.StepID = step.ID
			entry.StepTitle = step.Title
			entry.Action = string(step.Action)
		}
		active := schema.RunStatusActive
		return &transition{
			update: store.RunUpdate{Status: &active, Append: []schema.LogEntry{entry}, At: now},
			result: AdvanceResult{StepID: stepID},
			events: []streaming.RunEvent{e.event(run, schema.EventRunReactivated, stepID, now)},
		}, nil
	})
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	logging.LogWith(logging.WithRun(ctx, run.ID, run.OrganizationID), e.logger).
		Info("run reactivated", slog.String("actor", actor), slog.Int("step_index", run.CurrentStepIndex))
	return run, nil
}

// Status returns a snapshot of the run.
func (e *engineImpl) Status(ctx context.Context, runID string) (*RunStatus, error) {
	run, def, err := e.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	st := &RunStatus{Run: run, Process: def}
	if step, ok := def.Step(run.CurrentStepIndex); ok {
		st.CurrentStep = step
		if mode, err := classifier.Classify(step.Action); err == nil {
			st.Mode = mode
		}
		if run.Status == schema.RunStatusActive {
			started := run.StepStartedAt(step.ID)
			st.StepStartedAt = &started
			if d := step.ExpectedDuration.Std(); d > 0 {
				st.Overdue = e.clock.Now().Sub(started) > d
			}
		}
	}
	if run.Status == schema.RunStatusFlagged {
		if last, _, ok := run.Logs.LastFlagged(); ok {
			var detail schema.ErrorDetail
			if err := json.Unmarshal(last.Output, &detail); err == nil {
				st.LastError = &detail
			}
		}
	}
	return st, nil
}

// planAdvance decides the single step transition for run.
func (e *engineImpl) planAdvance(ctx context.Context, run *schema.ActiveRun, def *schema.ProcessDefinition, signal *schema.CompletionSignal, memo *autoMemo) (*transition, error) {
	if run.IsTerminal() {
		return &transition{result: AdvanceResult{Terminal: true}}, nil
	}

	now := e.clock.Now()
	step, ok := def.Step(run.CurrentStepIndex)
	if !ok {
		// Active past the last step: finish the run.
		if err := CheckTransition(run.ID, run.Status, schema.RunStatusCompleted); err != nil {
			return nil, err
		}
		completed := schema.RunStatusCompleted
		return &transition{
			update: store.RunUpdate{Status: &completed, At: now},
			result: AdvanceResult{Terminal: true},
			events: []streaming.RunEvent{e.event(run, schema.EventRunCompleted, "", now)},
		}, nil
	}

	if signal != nil {
		idx, err := signalIndex(run, def, signal)
		if err != nil {
			return nil, err
		}
		if idx < run.CurrentStepIndex {
			return &transition{result: AdvanceResult{Duplicate: true, StepID: def.Steps[idx].ID}}, nil
		}
	}

	ctx = logging.WithStep(ctx, step.ID)
	mode, err := classifier.Classify(step.Action)
	if err != nil {
		return e.flagFromError(run, def, step, err, now), nil
	}

	switch mode {
	case classifier.Human:
		if signal == nil {
			return e.planWait(run, step, now), nil
		}
		output, err := json.Marshal(humanOutput{CompletedBy: signal.Actor, Output: signal.Output})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode completion output: %s", err.Error()).
				WithRun(run.ID).WithStep(step.ID).WithCause(err)
		}
		return e.planSuccess(run, def, step, output, now)

	default:
		if signal != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %q is automatic and does not accept completion signals", step.ID).
				WithRun(run.ID).WithStep(step.ID)
		}
		res, err := e.executeOnce(ctx, run, step, memo)
		if err != nil {
			if ctx.Err() != nil {
				return nil, schema.NewErrorf(schema.ErrCodeTransient, "advance interrupted: %s", ctx.Err()).
					WithRun(run.ID).WithStep(step.ID).WithCause(err)
			}
			if schema.IsCode(err, schema.ErrCodeCircuitOpen) {
				return nil, err
			}
			logging.LogWith(ctx, e.logger).Warn("step failed",
				slog.String("action", string(step.Action)), slog.String("error", err.Error()))
			return e.flagFromError(run, def, step, err, now), nil
		}
		return e.planSuccess(run, def, step, res.Output, now)
	}
}

// planWait records the arrival at a HUMAN step once.
func (e *engineImpl) planWait(run *schema.ActiveRun, step *schema.StepDefinition, now time.Time) *transition {
	tr := &transition{result: AdvanceResult{Waiting: true, StepID: step.ID}}
	if _, seen := run.Logs.FirstForStep(step.ID); seen {
		return tr
	}
	entry, _ := arrivalEntry(step, now)
	tr.update = store.RunUpdate{Append: []schema.LogEntry{entry}, At: now}
	tr.events = []streaming.RunEvent{e.event(run, schema.EventStepWaiting, step.ID, now)}
	return tr
}

// planSuccess appends SUCCESS for step and moves to the next index, marking
// the arrival at a following HUMAN step in the same write.
func (e *engineImpl) planSuccess(run *schema.ActiveRun, def *schema.ProcessDefinition, step *schema.StepDefinition, output json.RawMessage, now time.Time) (*transition, error) {
	next := run.CurrentStepIndex + 1
	if err := CheckAdvance(run.ID, run.CurrentStepIndex, next, len(def.Steps)); err != nil {
		return nil, err
	}

	entries := []schema.LogEntry{{
		StepID:    step.ID,
		StepTitle: step.Title,
		Action:    string(step.Action),
		Output:    output,
		Timestamp: now,
		Outcome:   schema.OutcomeSuccess,
	}}
	events := []streaming.RunEvent{e.event(run, schema.EventStepCompleted, step.ID, now)}
	update := store.RunUpdate{CurrentStepIndex: &next, At: now}

	if nextStep, ok := def.Step(next); ok {
		if entry, ok := arrivalEntry(nextStep, now); ok {
			entries = append(entries, entry)
			events = append(events, e.event(run, schema.EventStepWaiting, nextStep.ID, now))
		}
	} else {
		if err := CheckTransition(run.ID, run.Status, schema.RunStatusCompleted); err != nil {
			return nil, err
		}
		completed := schema.RunStatusCompleted
		update.Status = &completed
		events = append(events, e.event(run, schema.EventRunCompleted, "", now))
	}
	update.Append = entries

	return &transition{
		update: update,
		result: AdvanceResult{CompletedSteps: []string{step.ID}, StepID: step.ID},
		events: events,
	}, nil
}

type autoMemo struct {
	index int
	res   *executors.Result
	err   error
}

func (e *engineImpl) executeOnce(ctx context.Context, run *schema.ActiveRun, step *schema.StepDefinition, memo *autoMemo) (*executors.Result, error) {
	if memo.index == run.CurrentStepIndex {
		return memo.res, memo.err
	}
	res, err := e.execute(ctx, run, step)
	memo.index, memo.res, memo.err = run.CurrentStepIndex, res, err
	return res, err
}

func (e *engineImpl) execute(ctx context.Context, run *schema.ActiveRun, step *schema.StepDefinition) (*executors.Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "steward.execute",
		attribute.String(telemetry.RunIDKey, run.ID),
		attribute.String(telemetry.StepIDKey, step.ID),
		attribute.String(telemetry.ActionKey, string(step.Action)))
	defer span.End()

	params, err := executors.DecodeParams(step.Params)
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	sc := executors.StepContext{
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
		ProcessID:      run.ProcessID,
		StartedBy:      run.StartedBy,
		StepIndex:      run.CurrentStepIndex,
		Step:           *step,
		Params:         params,
		Outputs:        stepOutputs(run),
	}
	res, err := e.runner.Execute(ctx, step.Action, sc)
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	return res, nil
}

// mutate serializes a read-plan-write cycle on one run. A version conflict
// re-reads the run and plans once more; a second conflict is TRANSIENT_ERROR.
func (e *engineImpl) mutate(ctx context.Context, runID string, plan planFunc) (*schema.ActiveRun, *transition, error) {
	release, err := e.locker.Acquire(ctx, lockKey(runID))
	if err != nil {
		return nil, nil, err
	}
	defer release()

	var conflict error
	for attempt := 0; attempt < 2; attempt++ {
		run, def, err := e.load(ctx, runID)
		if err != nil {
			return nil, nil, err
		}
		ctx := logging.WithRun(ctx, run.ID, run.OrganizationID)

		tr, err := plan(ctx, run, def)
		if err != nil {
			return nil, nil, err
		}
		if tr.update.IsEmpty() {
			return run, tr, nil
		}

		err = e.store.UpdateRun(ctx, run.ID, tr.update, run.Version)
		if schema.IsCode(err, schema.ErrCodeVersionConflict) {
			conflict = err
			logging.LogWith(ctx, e.logger).Warn("run version conflict, retrying", slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		apply(run, tr.update)
		e.afterCommit(ctx, run, tr)
		return run, tr, nil
	}
	return nil, nil, schema.NewError(schema.ErrCodeTransient, "run was modified concurrently, try again").
		WithRun(runID).WithCause(conflict)
}

func (e *engineImpl) afterCommit(ctx context.Context, run *schema.ActiveRun, tr *transition) {
	for _, ev := range tr.events {
		e.publish(ctx, ev)
	}
	if tr.flagError != nil {
		e.notifyFlag(ctx, run, tr.flagRef, *tr.flagError)
	}
}

func (e *engineImpl) load(ctx context.Context, runID string) (*schema.ActiveRun, *schema.ProcessDefinition, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.store.GetProcess(ctx, run.ProcessID, run.ProcessVersion)
	if err != nil {
		return nil, nil, err
	}
	return run, def, nil
}

func (e *engineImpl) event(run *schema.ActiveRun, typ, stepID string, at time.Time) streaming.RunEvent {
	return streaming.RunEvent{
		Type:           typ,
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
		StepID:         stepID,
		Timestamp:      at,
	}
}

func (e *engineImpl) publish(ctx context.Context, ev streaming.RunEvent) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(ctx, ev); err != nil {
		logging.LogWith(ctx, e.logger).Warn("publish run event", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}

// signalIndex resolves the step a completion signal refers to.
func signalIndex(run *schema.ActiveRun, def *schema.ProcessDefinition, signal *schema.CompletionSignal) (int, error) {
	idx := -1
	switch {
	case signal.StepIndex != nil:
		idx = *signal.StepIndex
		step, ok := def.Step(idx)
		if !ok {
			return 0, schema.NewErrorf(schema.ErrCodeNotFound, "step index %d not found", idx).WithRun(run.ID)
		}
		if signal.StepID != "" && signal.StepID != step.ID {
			return 0, schema.NewErrorf(schema.ErrCodeNotFound,
				"step %q is not at index %d", signal.StepID, idx).WithRun(run.ID).WithStep(signal.StepID)
		}
	case signal.StepID != "":
		idx = def.StepIndex(signal.StepID)
		if idx < 0 {
			return 0, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", signal.StepID).
				WithRun(run.ID).WithStep(signal.StepID)
		}
	default:
		return 0, schema.NewError(schema.ErrCodeValidation, "completion signal must reference a step").WithRun(run.ID)
	}

	if idx > run.CurrentStepIndex {
		return 0, schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q is not the current step", def.Steps[idx].ID).
			WithRun(run.ID).
			WithStep(def.Steps[idx].ID).
			WithDetails(map[string]any{"current_step_index": run.CurrentStepIndex, "step_index": idx})
	}
	return idx, nil
}

// arrivalEntry is the PENDING entry that starts the clock on a HUMAN step.
func arrivalEntry(step *schema.StepDefinition, now time.Time) (schema.LogEntry, bool) {
	mode, err := classifier.Classify(step.Action)
	if err != nil || mode != classifier.Human {
		return schema.LogEntry{}, false
	}
	return schema.LogEntry{
		StepID:    step.ID,
		StepTitle: step.Title,
		Action:    string(step.Action),
		Timestamp: now,
		Outcome:   schema.OutcomePending,
	}, true
}

// stepOutputs collects the output of every successful step, by step id.
func stepOutputs(run *schema.ActiveRun) map[string]any {
	out := make(map[string]any)
	for _, entry := range run.Logs.Entries() {
		if entry.Outcome != schema.OutcomeSuccess || len(entry.Output) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(entry.Output, &v); err == nil {
			out[entry.StepID] = v
		}
	}
	return out
}

type humanOutput struct {
	CompletedBy string         `json:"completed_by,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

func apply(run *schema.ActiveRun, u store.RunUpdate) {
	if u.CurrentStepIndex != nil {
		run.CurrentStepIndex = *u.CurrentStepIndex
	}
	if u.Status != nil {
		run.Status = *u.Status
	}
	run.Logs.Append(u.Append...)
	run.UpdatedAt = u.At
	run.Version++
}

func merge(into, from *AdvanceResult) {
	into.Run = from.Run
	into.CompletedSteps = append(into.CompletedSteps, from.CompletedSteps...)
	into.StepID = from.StepID
	into.Waiting = from.Waiting
	into.Duplicate = from.Duplicate
	into.Terminal = from.Terminal
	if from.Flag != nil {
		into.Flag = from.Flag
	}
}

func lockKey(runID string) string { return "run:" + runID }
