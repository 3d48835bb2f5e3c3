package executors

import (
	"context"
	"log/slog"

	"github.com/rendis/steward/internal/classifier"
	"github.com/rendis/steward/internal/logging"
	"github.com/rendis/steward/pkg/schema"
)

// LogExecutor implements "log.write": it logs params.message at params.level
// (debug|info|warn|error, default info) and echoes both as output.
type LogExecutor struct {
	logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{logger: logger}
}

func (e *LogExecutor) Kind() schema.ActionKind { return classifier.KindLogWrite }

func (e *LogExecutor) Execute(ctx context.Context, sc StepContext) (*Result, error) {
	msg := stringParam(sc.Params, "message", "")
	if msg == "" {
		return nil, schema.NewError(schema.ErrCodeExecutor, "log.write: missing required param 'message'")
	}
	levelName := stringParam(sc.Params, "level", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor, "log.write: unknown level %q", levelName)
	}

	ctx = logging.WithStep(logging.WithRun(ctx, sc.RunID, sc.OrganizationID), sc.Step.ID)
	e.logger.Log(ctx, level, msg, slog.String("process_id", sc.ProcessID))
	return JSONResult(e.Kind(), map[string]any{"message": msg, "level": level.String()})
}
