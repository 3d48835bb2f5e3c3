package executors

import (
	"log/slog"

	"github.com/rendis/steward/internal/expressions"
)

// RegisterBuiltins registers the executors steward ships with:
// http.request, transform.jq, expr.eval and log.write.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, logger *slog.Logger) error {
	for _, e := range []Executor{
		NewHTTPExecutor(httpCfg),
		NewJQExecutor(expressions.NewGoJQEngine()),
		NewExprExecutor(expressions.NewExprEngine()),
		NewLogExecutor(logger),
	} {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}
