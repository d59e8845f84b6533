package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/pkg/schema"
)

func TestIsRetryableErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"auth denied", schema.NewError(schema.ErrCodeAuthDenied, "no"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), false},
		{"cancelled chain error", schema.NewError(schema.ErrCodeCancelled, "stop"), false},
		{"retry exhausted", schema.NewError(schema.ErrCodeRetryExhausted, "done"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"timeout chain error", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"handler error", schema.NewError(schema.ErrCodeHandlerFailed, "boom"), true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"connection refused string", errors.New("dial tcp: connection refused"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryableError(tc.err))
		})
	}
}

func TestBackoffDeterministicForSeed(t *testing.T) {
	policy := &schema.RetryPolicy{MaxRetries: 3, BaseDelay: "100ms", Multiplier: 2}

	a := NewBackoff(42)
	b := NewBackoff(42)

	for attempt := 0; attempt < 4; attempt++ {
		assert.Equal(t, a.Delay(policy, attempt), b.Delay(policy, attempt), "attempt %d", attempt)
	}
}

func TestBackoffGrowsExponentiallyWithinJitterBounds(t *testing.T) {
	policy := &schema.RetryPolicy{BaseDelay: "100ms", Multiplier: 2}
	b := NewBackoff(7)

	for attempt, base := range []time.Duration{100, 200, 400} {
		d := b.Delay(policy, attempt)
		lower := base * time.Millisecond
		upper := lower + 50*time.Millisecond // jitter < base/2
		assert.GreaterOrEqual(t, d, lower, "attempt %d", attempt)
		assert.LessOrEqual(t, d, upper, "attempt %d", attempt)
	}
}

func TestBackoffRespectsMaxDelay(t *testing.T) {
	policy := &schema.RetryPolicy{BaseDelay: "1s", Multiplier: 10, MaxDelay: "2s"}
	b := NewBackoff(1)

	assert.LessOrEqual(t, b.Delay(policy, 5), 2*time.Second)
}

func TestBackoffNilOrEmptyPolicy(t *testing.T) {
	b := NewBackoff(1)

	assert.Zero(t, b.Delay(nil, 0))
	assert.Zero(t, b.Delay(&schema.RetryPolicy{MaxRetries: 2}, 0), "no base delay means no pause")
	assert.Zero(t, b.Delay(&schema.RetryPolicy{BaseDelay: "garbage"}, 0))
}

func TestWaitForBackoffCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForBackoff(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, WaitForBackoff(ctx, 0), "zero delay never blocks")
}
