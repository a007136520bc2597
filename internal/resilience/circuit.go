// Package resilience guards calls to external collaborators (LLM reasoning,
// remote design loaders) with timeouts, retries and circuit breakers.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed passes every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen lets one probe through to test recovery.
	CircuitHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// Name identifies the collaborator in logs.
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count toward the threshold. If nil,
	// every error except caller cancellation counts.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker trips after repeated failures of one collaborator so that a
// dead dependency fails fast instead of eating every caller's timeout.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := cb.admit()
	if err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.record(probe, err)
	return val, err
}

// State returns the current circuit state. An open circuit whose cool-down
// has elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooledDown() {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// admit decides whether a call may proceed. probe is true for the single
// call let through to test a recovering collaborator.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.cooledDown() {
		cb.setState(CircuitHalfOpen)
	}
	switch cb.state {
	case CircuitOpen:
		return false, ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if probe {
		cb.probing = false
	}

	if err == nil || !cb.cfg.ShouldTrip(err) {
		cb.failures = 0
		if probe {
			cb.setState(CircuitClosed)
		}
		return
	}

	cb.failures++
	if probe || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	log := zap.L().With(
		zap.String("breaker", cb.cfg.Name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if to == CircuitOpen {
		log.Warn("resilience: circuit opened", zap.Int("failures", cb.failures))
		return
	}
	log.Info("resilience: circuit state changed")
}

// ServiceBreakers keeps one circuit breaker per remote host.
type ServiceBreakers struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers creates an empty per-host registry.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for host, creating one if needed.
func (sb *ServiceBreakers) Get(host string) *CircuitBreaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	cb, ok := sb.breakers[host]
	if !ok {
		cfg := sb.cfg
		cfg.Name = host
		cb = NewCircuitBreaker(cfg)
		sb.breakers[host] = cb
	}
	return cb
}

// States returns a snapshot of every host's circuit state.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(sb.breakers))
	for host, cb := range sb.breakers {
		breakers[host] = cb
	}
	sb.mu.Unlock()

	states := make(map[string]CircuitState, len(breakers))
	for host, cb := range breakers {
		states[host] = cb.State()
	}
	return states
}
