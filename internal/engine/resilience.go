package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tessaro/chainkit/internal/logging"
	"github.com/tessaro/chainkit/pkg/schema"
)

// EndpointProvider resolves the live endpoint of a named service.
// Satisfied by *health.Monitor.
type EndpointProvider interface {
	Endpoint(service string) (string, error)
}

// ExecRequest bundles everything the resilience policy needs to run one step.
type ExecRequest struct {
	Handler    Invocable
	Invocation Invocation

	// Operation keys the circuit breaker together with Invocation.Target.
	Operation string
	// Service, when set, is resolved to a live endpoint before each attempt.
	Service string

	Retry          *schema.RetryPolicy
	AttemptTimeout time.Duration // per-attempt deadline, 0 = none

	// OnRetry is called before each backoff pause, with the 1-based number of
	// the attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ResiliencePolicy wraps handler invocations with the circuit breaker, the
// service endpoint lookup, per-attempt timeouts, and retry with exponential
// backoff. One policy instance is shared across all steps of an executor; the
// breaker registry inside it is process-wide state.
type ResiliencePolicy struct {
	breakers  *BreakerRegistry
	endpoints EndpointProvider
	backoff   *Backoff
	bus       EventPublisher
	logger    *slog.Logger
}

// NewResiliencePolicy creates a policy. endpoints and bus may be nil.
func NewResiliencePolicy(breakers *BreakerRegistry, endpoints EndpointProvider, backoff *Backoff, bus EventPublisher, logger *slog.Logger) *ResiliencePolicy {
	if breakers == nil {
		breakers = NewBreakerRegistry(DefaultBreakerConfig())
	}
	if backoff == nil {
		backoff = NewBackoff(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResiliencePolicy{
		breakers:  breakers,
		endpoints: endpoints,
		backoff:   backoff,
		bus:       bus,
		logger:    logger,
	}
}

// Run invokes the handler under the full resilience ladder. It returns the
// handler result, the number of attempts actually made, and the final error.
//
// Failure modes: an open circuit fails fast with CIRCUIT_OPEN and zero
// attempts; a circuit that opens mid-retry abandons the remaining attempts;
// non-retryable errors stop immediately; exhausting the retry budget wraps
// the last error in RETRY_EXHAUSTED.
func (p *ResiliencePolicy) Run(ctx context.Context, req ExecRequest) (*Result, int, error) {
	inv := req.Invocation
	key := ResourceKey{Target: inv.Target, Operation: req.Operation}

	if err := p.breakers.Allow(key); err != nil {
		return nil, 0, p.withStep(err, inv.StepID)
	}

	maxRetries := 0
	if req.Retry != nil && req.Retry.MaxRetries > 0 {
		maxRetries = req.Retry.MaxRetries
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// The breaker may have opened from parallel siblings hitting the
			// same resource; abandon the remaining attempts if so.
			if err := p.breakers.Allow(key); err != nil {
				return nil, attempts, p.withStep(err, inv.StepID)
			}
		}

		res, err := p.attempt(ctx, req, &inv)
		attempts++

		if err == nil {
			prev := p.breakers.State(key)
			p.breakers.RecordSuccess(key)
			if prev != CircuitClosed {
				p.publishCircuit(ctx, schema.EventCircuitClosed, key, inv.ChainID)
			}
			return res, attempts, nil
		}
		lastErr = err

		state := p.breakers.RecordFailure(key)
		if state == CircuitOpen {
			p.publishCircuit(ctx, schema.EventCircuitOpen, key, inv.ChainID)
			// The circuit just opened on this failure; backing off and
			// retrying would only be refused, so abandon the budget now.
			open := schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit opened for %s, abandoning retries", key).
				WithCause(err).
				WithDetails(map[string]any{"resource": key.String(), "attempts": attempts})
			return nil, attempts, p.withStep(open, inv.StepID)
		}

		if ctx.Err() != nil {
			return nil, attempts, p.withStep(schema.NewError(schema.ErrCodeCancelled, "chain context cancelled").WithCause(ctx.Err()), inv.StepID)
		}
		if !p.retryable(req.Handler, err) {
			return nil, attempts, p.withStep(err, inv.StepID)
		}
		if attempt == maxRetries {
			break
		}

		delay := p.backoff.Delay(req.Retry, attempt)
		logging.LogWith(ctx, p.logger).Warn("step attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if req.OnRetry != nil {
			req.OnRetry(attempt+1, delay, err)
		}
		if err := WaitForBackoff(ctx, delay); err != nil {
			return nil, attempts, p.withStep(schema.NewError(schema.ErrCodeCancelled, "chain context cancelled during backoff").WithCause(err), inv.StepID)
		}
	}

	if maxRetries > 0 {
		exhausted := schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts", attempts).
			WithCause(lastErr).
			WithDetails(map[string]any{"attempts": attempts, "resource": key.String()})
		return nil, attempts, p.withStep(exhausted, inv.StepID)
	}
	return nil, attempts, p.withStep(lastErr, inv.StepID)
}

// attempt performs one handler invocation with a fresh endpoint lookup and a
// per-attempt deadline. The lookup runs per attempt so a fallback switch made
// by the health monitor between attempts is picked up.
func (p *ResiliencePolicy) attempt(ctx context.Context, req ExecRequest, inv *Invocation) (*Result, error) {
	if req.Service != "" && p.endpoints != nil {
		endpoint, err := p.endpoints.Endpoint(req.Service)
		if err != nil {
			return nil, err
		}
		inv.Endpoint = endpoint
	}

	attemptCtx := ctx
	if req.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.AttemptTimeout)
		defer cancel()
	}

	res, err := req.Handler.Invoke(attemptCtx, *inv)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step timed out after %s", req.AttemptTimeout).WithCause(err)
		}
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

func (p *ResiliencePolicy) retryable(handler Invocable, err error) bool {
	if nr, ok := handler.(NonRetryable); ok && nr.NonRetryable() {
		return false
	}
	return IsRetryableError(err)
}

func (p *ResiliencePolicy) withStep(err error, stepID string) error {
	var chErr *schema.ChainError
	if errors.As(err, &chErr) && chErr.StepID == "" {
		return chErr.WithStep(stepID)
	}
	return err
}

func (p *ResiliencePolicy) publishCircuit(ctx context.Context, eventType string, key ResourceKey, chainID string) {
	if p.bus == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	_ = p.bus.Publish(ctx, schema.Event{
		ChainID:   chainID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Detail:    map[string]any{"resource": key.String()},
	})
}
