package engine

import (
	"sync"
	"time"

	"github.com/tessaro/chainkit/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
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

// ResourceKey identifies the external resource a breaker protects.
// Two chains calling the same operation on the same target share one breaker.
type ResourceKey struct {
	Target    string
	Operation string
}

func (k ResourceKey) String() string {
	if k.Target == "" {
		return k.Operation
	}
	return k.Target + "/" + k.Operation
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before permitting a trial call.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// breaker tracks failure state for a single resource.
type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
	config              BreakerConfig
}

// BreakerRegistry manages per-resource circuit breakers. It is process-wide:
// one registry is constructed at startup and shared by every executor, so
// concurrently running chains hitting the same resource contend on one breaker.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[ResourceKey]*breaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[ResourceKey]*breaker),
		config:   config,
	}
}

// Allow checks whether a call to the given resource may proceed.
// Returns nil if allowed, or a CIRCUIT_OPEN ChainError when the circuit is
// open or a half-open trial is already in flight. The transition Open →
// HalfOpen happens here, on the first check after the reset timeout; that
// caller becomes the single permitted trial.
func (r *BreakerRegistry) Allow(key ResourceKey) error {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.config.ResetTimeout {
			cb.state = CircuitHalfOpen
			cb.trialInFlight = true
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s: %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"resource":             key.String(),
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"reset_remaining":      (cb.config.ResetTimeout - time.Since(cb.openedAt)).String(),
			})

	case CircuitHalfOpen:
		if cb.trialInFlight {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %s: trial call already in flight", key)
		}
		cb.trialInFlight = true
		return nil
	}

	return nil
}

// RecordSuccess records a successful call, closing the circuit and resetting counters.
func (r *BreakerRegistry) RecordSuccess(key ResourceKey) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	cb.state = CircuitClosed
	return cb.state
}

// RecordFailure records a failed call and returns the new circuit state.
// A half-open trial failure reopens the circuit and restarts the reset timer.
func (r *BreakerRegistry) RecordFailure(key ResourceKey) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.trialInFlight = false
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		if cb.state != CircuitOpen {
			cb.openedAt = time.Now()
		}
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// State returns the current state of the circuit for a resource.
func (r *BreakerRegistry) State(key ResourceKey) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Lazy transition from open to half-open for observers.
	if cb.state == CircuitOpen && time.Since(cb.openedAt) >= cb.config.ResetTimeout {
		cb.state = CircuitHalfOpen
		cb.trialInFlight = false
	}

	return cb.state
}

// Stats returns diagnostic information about a circuit breaker.
func (r *BreakerRegistry) Stats(key ResourceKey) map[string]any {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"resource":             key.String(),
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"reset_timeout":        cb.config.ResetTimeout.String(),
	}
}

func (r *BreakerRegistry) getOrCreate(key ResourceKey) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &breaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[key] = cb
	}
	return cb
}
