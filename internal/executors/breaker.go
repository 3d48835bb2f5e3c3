package executors

import (
	"sync"
	"time"

	"github.com/rendis/steward/internal/clock"
	"github.com/rendis/steward/pkg/schema"
)

// CircuitState is the state of one kind's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-kind circuit breakers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Zero disables breaking.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before a probe is allowed.
	Cooldown time.Duration
	// HalfOpenMax is the number of concurrent probes allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker settings used by NewRegistry.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

type breakers struct {
	mu     sync.Mutex
	config BreakerConfig
	clock  clock.Clock
	byKind map[schema.ActionKind]*breaker
}

func newBreakers(cfg BreakerConfig, clk clock.Clock) *breakers {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &breakers{config: cfg, clock: clk, byKind: make(map[schema.ActionKind]*breaker)}
}

func (b *breakers) get(kind schema.ActionKind) *breaker {
	br, ok := b.byKind[kind]
	if !ok {
		br = &breaker{}
		b.byKind[kind] = br
	}
	return br
}

// allow reports whether a call for kind may proceed.
func (b *breakers) allow(kind schema.ActionKind) error {
	if b.config.FailureThreshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(kind)
	switch br.state {
	case CircuitOpen:
		elapsed := b.clock.Now().Sub(br.openedAt)
		if elapsed < b.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"executor %q unavailable after %d consecutive failures", kind, br.failures).
				WithDetails(map[string]any{
					"action":               string(kind),
					"consecutive_failures": br.failures,
					"cooldown_remaining":   (b.config.Cooldown - elapsed).String(),
				})
		}
		br.state = CircuitHalfOpen
		br.probes = 1
		return nil
	case CircuitHalfOpen:
		if br.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "executor %q is probing for recovery", kind).
				WithDetails(map[string]any{"action": string(kind)})
		}
		br.probes++
	}
	return nil
}

func (b *breakers) success(kind schema.ActionKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(kind)
	br.state = CircuitClosed
	br.failures = 0
	br.probes = 0
}

// release returns a half-open probe slot without judging the outcome.
func (b *breakers) release(kind schema.ActionKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(kind)
	if br.state == CircuitHalfOpen && br.probes > 0 {
		br.probes--
	}
}

func (b *breakers) failure(kind schema.ActionKind) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(kind)
	br.failures++
	if br.state == CircuitHalfOpen || (b.config.FailureThreshold > 0 && br.failures >= b.config.FailureThreshold) {
		br.state = CircuitOpen
		br.openedAt = b.clock.Now()
		br.probes = 0
	}
	return br.state
}

func (b *breakers) state(kind schema.ActionKind) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(kind)
	if br.state == CircuitOpen && b.clock.Now().Sub(br.openedAt) >= b.config.Cooldown {
		return CircuitHalfOpen
	}
	return br.state
}
