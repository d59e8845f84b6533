package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/pkg/schema"
)

// flakyHandler fails the first failures invocations, then succeeds.
type flakyHandler struct {
	name     string
	failures int
	calls    int64
	sleep    time.Duration
	err      error
}

func (h *flakyHandler) Name() string { return h.name }

func (h *flakyHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	n := atomic.AddInt64(&h.calls, 1)
	if h.sleep > 0 {
		select {
		case <-time.After(h.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if int(n) <= h.failures {
		if h.err != nil {
			return nil, h.err
		}
		return nil, errors.New("connection refused")
	}
	return &Result{Output: map[string]any{"endpoint": inv.Endpoint, "call": float64(n)}}, nil
}

type stubbornHandler struct{ flakyHandler }

func (h *stubbornHandler) NonRetryable() bool { return true }

type staticEndpoints map[string]string

func (s staticEndpoints) Endpoint(service string) (string, error) {
	ep, ok := s[service]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeServiceDown, "service %s is down", service)
	}
	return ep, nil
}

func fastRetry(n int) *schema.RetryPolicy {
	return &schema.RetryPolicy{MaxRetries: n, BaseDelay: "1ms", Multiplier: 1}
}

func newTestPolicy(breakers *BreakerRegistry, endpoints EndpointProvider) *ResiliencePolicy {
	return NewResiliencePolicy(breakers, endpoints, NewBackoff(1), nil, nil)
}

func TestResilienceFirstAttemptSuccess(t *testing.T) {
	p := newTestPolicy(nil, nil)
	h := &flakyHandler{name: "ok"}

	res, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "probe",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.NotNil(t, res)
}

func TestResilienceRetriesThenSucceeds(t *testing.T) {
	p := newTestPolicy(nil, nil)
	h := &flakyHandler{name: "flaky", failures: 2}

	retried := 0
	res, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "probe",
		Retry:      fastRetry(3),
		OnRetry:    func(int, time.Duration, error) { retried++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, retried)
	assert.NotNil(t, res)
}

func TestResilienceRetryExhausted(t *testing.T) {
	p := newTestPolicy(nil, nil)
	h := &flakyHandler{name: "dead", failures: 100}

	_, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "probe",
		Retry:      fastRetry(2),
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	var chErr *schema.ChainError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, schema.ErrCodeRetryExhausted, chErr.Code)
	assert.Equal(t, "s1", chErr.StepID)
	assert.NotNil(t, chErr.Cause, "last handler error is preserved")
}

func TestResilienceNonRetryableErrorStops(t *testing.T) {
	p := newTestPolicy(nil, nil)
	h := &flakyHandler{
		name:     "denied",
		failures: 100,
		err:      schema.NewError(schema.ErrCodeAuthDenied, "not authorized"),
	}

	_, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "probe",
		Retry:      fastRetry(5),
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestResilienceNonRetryableHandlerMarker(t *testing.T) {
	p := newTestPolicy(nil, nil)
	h := &stubbornHandler{flakyHandler{name: "oneshot", failures: 100}}

	_, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "exploit",
		Retry:      fastRetry(5),
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "declared non-idempotent, never retried")
}

func TestResilienceOpenCircuitFailsFast(t *testing.T) {
	breakers := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	key := ResourceKey{Target: "web01", Operation: "probe"}
	breakers.RecordFailure(key)

	p := newTestPolicy(breakers, nil)
	h := &flakyHandler{name: "never-called"}

	_, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "probe",
		Retry:      fastRetry(3),
	})
	require.Error(t, err)
	assert.Equal(t, 0, attempts)
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.calls))

	var chErr *schema.ChainError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, chErr.Code)
}

func TestResilienceAbandonsRetriesWhenCircuitOpens(t *testing.T) {
	// Threshold 2: the second failed attempt opens the circuit, so the third
	// configured attempt is abandoned.
	breakers := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	p := newTestPolicy(breakers, nil)
	h := &flakyHandler{name: "dead", failures: 100}

	_, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "probe",
		Retry:      fastRetry(5),
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)

	var chErr *schema.ChainError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, chErr.Code)
}

func TestResilienceCircuitOpeningSkipsBackoff(t *testing.T) {
	breakers := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	p := newTestPolicy(breakers, nil)
	h := &flakyHandler{name: "dead", failures: 100}

	retries := 0
	start := time.Now()
	_, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "probe",
		Retry:      &schema.RetryPolicy{MaxRetries: 3, BaseDelay: "1m", Multiplier: 1},
		OnRetry:    func(int, time.Duration, error) { retries++ },
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Zero(t, retries, "no retry is scheduled once the circuit opens")
	assert.Less(t, time.Since(start), time.Second, "the backoff delay is not consumed")

	var chErr *schema.ChainError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, chErr.Code)
}

func TestResilienceAttemptTimeout(t *testing.T) {
	p := newTestPolicy(nil, nil)
	h := &flakyHandler{name: "slow", sleep: 50 * time.Millisecond, failures: 0}

	_, attempts, err := p.Run(context.Background(), ExecRequest{
		Handler:        h,
		Invocation:     Invocation{StepID: "s1", Target: "web01"},
		Operation:      "probe",
		AttemptTimeout: 5 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var chErr *schema.ChainError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, schema.ErrCodeTimeout, chErr.Code)
}

func TestResilienceEndpointInjection(t *testing.T) {
	p := newTestPolicy(nil, staticEndpoints{"api": "http://fallback:8080"})
	h := &flakyHandler{name: "svc"}

	res, _, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "call",
		Service:    "api",
	})
	require.NoError(t, err)

	out := res.Output.(map[string]any)
	assert.Equal(t, "http://fallback:8080", out["endpoint"])
}

func TestResilienceServiceDown(t *testing.T) {
	p := newTestPolicy(nil, staticEndpoints{})
	h := &flakyHandler{name: "svc"}

	_, _, err := p.Run(context.Background(), ExecRequest{
		Handler:    h,
		Invocation: Invocation{StepID: "s1", Target: "web01"},
		Operation:  "call",
		Service:    "api",
	})
	require.Error(t, err)

	var chErr *schema.ChainError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, schema.ErrCodeServiceDown, chErr.Code)
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.calls))
}

func TestResilienceContextCancelledDuringBackoff(t *testing.T) {
	p := newTestPolicy(nil, nil)
	h := &flakyHandler{name: "flaky", failures: 100}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := p.Run(ctx, ExecRequest{
			Handler:    h,
			Invocation: Invocation{StepID: "s1", Target: "web01"},
			Operation:  "probe",
			Retry:      &schema.RetryPolicy{MaxRetries: 3, BaseDelay: "1h"},
		})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		var chErr *schema.ChainError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, schema.ErrCodeCancelled, chErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
