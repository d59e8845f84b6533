package invocables

import (
	"context"
	"time"

	"github.com/tessaro/chainkit/internal/engine"
	"github.com/tessaro/chainkit/pkg/schema"
)

// Delay implements the "delay" handler: pause the step for a configured
// duration, honoring cancellation.
//
// Params:
//
//	duration — Go duration string ("90s") or number of seconds
type Delay struct{}

func (d *Delay) Name() string { return "delay" }

func (d *Delay) Invoke(ctx context.Context, inv engine.Invocation) (*engine.Result, error) {
	duration := durationParam(inv.Params, "duration", 0)
	if duration <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "delay: missing or invalid 'duration' param")
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &engine.Result{Output: map[string]any{"slept_ms": duration.Milliseconds()}}, nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "delay: cancelled").WithCause(ctx.Err())
	}
}
