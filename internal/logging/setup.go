package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Setup builds the process logger: a text or JSON handler on w at the given
// level, wrapped in a CorrelationHandler. Unknown levels fall back to info.
func Setup(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(h))
}

// WithModule tags logger with the emitting component.
func WithModule(logger *slog.Logger, module string) *slog.Logger {
	return logger.With(slog.String("module", module))
}
