package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/internal/notify"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/internal/streaming"
	"github.com/rendis/steward/internal/telemetry"
	"github.com/rendis/steward/pkg/schema"
)

// FlagRequest carries the cause of a flag. StepRef is optional; without it
// the entry is attributed to SYSTEM_ERROR.
type FlagRequest struct {
	Detail  schema.ErrorDetail `json:"detail"`
	StepRef *schema.StepRef    `json:"step_ref,omitempty"`
}

// Flag marks the run flagged. A flagged run may be flagged again; each call
// appends one FLAGGED entry. Completed runs cannot be flagged, and a step
// reference must name a step of the run's definition.
func (e *engineImpl) Flag(ctx context.Context, runID string, req FlagRequest) (*schema.ActiveRun, error) {
	ctx, span := telemetry.StartSpan(ctx, "steward.flag", attribute.String(telemetry.RunIDKey, runID))
	defer span.End()

	if req.Detail.Error == "" {
		err := schema.NewError(schema.ErrCodeValidation, "flag detail requires an error message").WithRun(runID)
		telemetry.SetError(span, err)
		return nil, err
	}

	run, _, err := e.mutate(ctx, runID, func(ctx context.Context, run *schema.ActiveRun, def *schema.ProcessDefinition) (*transition, error) {
		if err := CheckTransition(run.ID, run.Status, schema.RunStatusFlagged); err != nil {
			return nil, err
		}
		if ref := req.StepRef; ref != nil && ref.StepID != "" && def.StepIndex(ref.StepID) < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found in process %s v%d",
				ref.StepID, def.ID, def.Version).WithRun(run.ID).WithStep(ref.StepID)
		}
		return e.planFlag(run, resolveRef(def, req.StepRef), req.Detail, e.clock.Now()), nil
	})
	if err != nil {
		telemetry.SetError(span, err)
		return nil, err
	}
	return run, nil
}

// flagFromError turns a step failure into a flag transition. The error
// message is kept verbatim.
func (e *engineImpl) flagFromError(run *schema.ActiveRun, def *schema.ProcessDefinition, step *schema.StepDefinition, err error, now time.Time) *transition {
	detail := schema.ErrorDetail{Error: err.Error(), Code: schema.ErrCodeExecutor}
	if se, ok := schema.AsError(err); ok {
		detail.Error = se.Message
		detail.Code = se.Code
		detail.Details = se.Details
	}
	ref := resolveRef(def, &schema.StepRef{StepID: step.ID})
	tr := e.planFlag(run, ref, detail, now)
	tr.result.StepID = step.ID
	return tr
}

// planFlag builds the status change and FLAGGED entry as one write.
func (e *engineImpl) planFlag(run *schema.ActiveRun, ref *schema.StepRef, detail schema.ErrorDetail, now time.Time) *transition {
	entry := schema.LogEntry{
		StepTitle: schema.SystemErrorAction,
		Action:    schema.SystemErrorAction,
		Timestamp: now,
		Outcome:   schema.OutcomeFlagged,
	}
	stepID := ""
	if ref != nil {
		stepID = ref.StepID
		entry.StepID = ref.StepID
		if ref.StepTitle != "" {
			entry.StepTitle = ref.StepTitle
		}
		if ref.Action != "" {
			entry.Action = ref.Action
		}
	}
	// ErrorDetail only holds JSON-safe values from callers or StewardError details.
	if raw, err := json.Marshal(detail); err == nil {
		entry.Output = raw
	} else {
		entry.Output, _ = json.Marshal(schema.ErrorDetail{Error: detail.Error, Code: detail.Code})
	}

	flagged := schema.RunStatusFlagged
	d := detail
	return &transition{
		update:    store.RunUpdate{Status: &flagged, Append: []schema.LogEntry{entry}, At: now},
		result:    AdvanceResult{StepID: stepID, Terminal: true, Flag: &d},
		events:    []streaming.RunEvent{flagEvent(e.event(run, runEventType(run.Status, flagged), stepID, now), detail)},
		flagRef:   ref,
		flagError: &d,
	}
}

// notifyFlag tells the run's starter. Failures are only logged.
func (e *engineImpl) notifyFlag(ctx context.Context, run *schema.ActiveRun, ref *schema.StepRef, detail schema.ErrorDetail) {
	log := logging.LogWith(ctx, e.logger)
	log.Warn("run flagged", slog.String("error", detail.Error), slog.String("code", detail.Code))
	if run.StartedBy == "" {
		return
	}
	if _, err := e.store.AppendNotification(ctx, notify.Flag(run, ref, detail, e.clock.Now())); err != nil {
		log.Error("flag notification failed", slog.String("error", err.Error()))
	}
}

// resolveRef fills a step reference from the definition. Nil or id-less
// references stay unattributed and are recorded as SYSTEM_ERROR.
func resolveRef(def *schema.ProcessDefinition, ref *schema.StepRef) *schema.StepRef {
	if ref == nil || ref.StepID == "" {
		return nil
	}
	out := *ref
	if i := def.StepIndex(ref.StepID); i >= 0 {
		step := def.Steps[i]
		if out.StepTitle == "" {
			out.StepTitle = step.Title
		}
		if out.Action == "" {
			out.Action = string(step.Action)
		}
	}
	return &out
}

func flagEvent(ev streaming.RunEvent, detail schema.ErrorDetail) streaming.RunEvent {
	ev.Status = string(schema.RunStatusFlagged)
	ev.Payload = detail
	return ev
}
