package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tessaro/chainkit/pkg/schema"
)

// DefaultBackoffMultiplier is used when a retry policy has no multiplier set.
const DefaultBackoffMultiplier = 2.0

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: authorization denials, cancellations, open circuits, and
// typed ChainErrors whose code is final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A step timeout is retryable; the deadline applies per attempt.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the chain is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// ChainError checks its own code.
	var chErr *schema.ChainError
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative — let the retry policy limit attempts).
	return true
}

// Backoff computes inter-attempt delays with jitter from a seedable source,
// so identical runs produce identical per-step delay sequences under test.
type Backoff struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a Backoff seeded with the given value.
// A zero seed falls back to the current time.
func NewBackoff(seed int64) *Backoff {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Backoff{rng: rand.New(rand.NewSource(seed))}
}

// Delay calculates the pause before retry attempt n (0-based):
// min(base * multiplier^n + jitter, max_delay). Jitter is uniform in
// [0, base/2). A nil policy or unset base delay means no pause.
func (b *Backoff) Delay(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.BaseDelay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.BaseDelay)
	if err != nil || base <= 0 {
		return 0
	}

	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultBackoffMultiplier
	}

	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
	}

	b.mu.Lock()
	jitter := b.rng.Int63n(int64(base)/2 + 1)
	b.mu.Unlock()

	total := time.Duration(delay) + time.Duration(jitter)

	if policy.MaxDelay != "" {
		if maxDelay, parseErr := time.ParseDuration(policy.MaxDelay); parseErr == nil && total > maxDelay {
			total = maxDelay
		}
	}

	return total
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
