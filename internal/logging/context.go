// Package logging carries run correlation ids through context.Context and
// stamps them onto slog records.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	organizationIDKey
	stepIDKey
)

// correlation lists the context keys copied onto log records, in output order.
var correlation = []struct {
	key  ctxKey
	attr string
}{
	{runIDKey, "run_id"},
	{organizationIDKey, "organization_id"},
	{stepIDKey, "step_id"},
}

// WithRun sets the run and organization ids. Empty values are not stored.
func WithRun(ctx context.Context, runID, organizationID string) context.Context {
	if runID != "" {
		ctx = context.WithValue(ctx, runIDKey, runID)
	}
	if organizationID != "" {
		ctx = context.WithValue(ctx, organizationIDKey, organizationID)
	}
	return ctx
}

// WithStep sets the step id.
func WithStep(ctx context.Context, stepID string) context.Context {
	if stepID == "" {
		return ctx
	}
	return context.WithValue(ctx, stepIDKey, stepID)
}

func RunID(ctx context.Context) string          { return value(ctx, runIDKey) }
func OrganizationID(ctx context.Context) string { return value(ctx, organizationIDKey) }
func StepID(ctx context.Context) string         { return value(ctx, stepIDKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			out = append(out, slog.String(c.attr, v))
		}
	}
	return out
}

// LogWith returns logger enriched with the correlation ids found in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the context's
// correlation ids to every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
