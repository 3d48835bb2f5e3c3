package executors

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/rendis/steward/internal/clock"
	"github.com/rendis/steward/pkg/schema"
)

// Registry maps action kinds to executors. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.ActionKind]Executor
	breakers  *breakers
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	breaker BreakerConfig
	clock   clock.Clock
	logger  *slog.Logger
}

// WithBreaker overrides the circuit breaker configuration.
func WithBreaker(cfg BreakerConfig) RegistryOption {
	return func(o *registryOptions) { o.breaker = cfg }
}

// WithClock sets the clock used for breaker cooldowns.
func WithClock(c clock.Clock) RegistryOption {
	return func(o *registryOptions) { o.clock = c }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(o *registryOptions) { o.logger = l }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	o := registryOptions{breaker: DefaultBreakerConfig(), clock: clock.Real{}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Registry{
		executors: make(map[schema.ActionKind]Executor),
		breakers:  newBreakers(o.breaker, o.clock),
		logger:    o.logger,
	}
}

// Register adds an executor. Registering a kind twice is an error.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := e.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "executor for %q already registered", kind)
	}
	r.executors[kind] = e
	return nil
}

// Has reports whether kind has an executor.
func (r *Registry) Has(kind schema.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Kinds lists registered kinds, sorted.
func (r *Registry) Kinds() []schema.ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.ActionKind, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) circuitState(kind schema.ActionKind) CircuitState {
	return r.breakers.state(kind)
}

// Execute runs the executor for kind. A missing executor is a
// CONFIGURATION_ERROR and an open breaker is CIRCUIT_OPEN. Any other failure
// is reported as EXECUTOR_ERROR with the executor's message intact.
func (r *Registry) Execute(ctx context.Context, kind schema.ActionKind, sc StepContext) (*Result, error) {
	r.mu.RLock()
	e, ok := r.executors[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "no executor registered for action %q", kind).
			WithRun(sc.RunID).
			WithStep(sc.Step.ID).
			WithDetails(map[string]any{"action": string(kind)})
	}

	if err := r.breakers.allow(kind); err != nil {
		return nil, err
	}

	res, err := e.Execute(ctx, sc)
	if err != nil {
		// Cancellation says nothing about the executor's health.
		if ctx.Err() != nil {
			r.breakers.release(kind)
		} else if state := r.breakers.failure(kind); state == CircuitOpen {
			r.logger.Warn("executor circuit opened", slog.String("action", string(kind)))
		}
		return nil, executorError(sc, err)
	}
	r.breakers.success(kind)
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// executorError reports err as EXECUTOR_ERROR. A coded executor error keeps
// its message and details; its own code moves to details["executor_code"].
func executorError(sc StepContext, err error) *schema.StewardError {
	se, ok := schema.AsError(err)
	if !ok {
		return schema.NewError(schema.ErrCodeExecutor, err.Error()).
			WithRun(sc.RunID).
			WithStep(sc.Step.ID).
			WithCause(err)
	}
	if se.Code == schema.ErrCodeExecutor {
		return se
	}
	details := make(map[string]any, len(se.Details)+1)
	for k, v := range se.Details {
		details[k] = v
	}
	details["executor_code"] = se.Code
	return schema.NewError(schema.ErrCodeExecutor, se.Message).
		WithRun(sc.RunID).
		WithStep(sc.Step.ID).
		WithDetails(details).
		WithCause(err)
}
