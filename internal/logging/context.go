package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	chainIDKey ctxKey = iota
	stepIDKey
	targetKey
)

// correlationFields lists the context values carried into log records,
// in the order they appear as attributes.
var correlationFields = []struct {
	attr string
	key  ctxKey
}{
	{"chain_id", chainIDKey},
	{"step_id", stepIDKey},
	{"target", targetKey},
}

// WithChainID returns a context with the chain ID set.
func WithChainID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, chainIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithTarget returns a context with the target set.
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, targetKey, target)
}

// WithIDs sets all three correlation values on the context at once.
func WithIDs(ctx context.Context, chainID, stepID, target string) context.Context {
	ctx = WithChainID(ctx, chainID)
	ctx = WithStepID(ctx, stepID)
	return WithTarget(ctx, target)
}

// ChainID extracts the chain ID from the context, or "" if absent.
func ChainID(ctx context.Context) string { return fromCtx(ctx, chainIDKey) }

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string { return fromCtx(ctx, stepIDKey) }

// Target extracts the target from the context, or "" if absent.
func Target(ctx context.Context) string { return fromCtx(ctx, targetKey) }

func fromCtx(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// attrs collects the non-empty correlation values present on the context.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range correlationFields {
		if v := fromCtx(ctx, f.key); v != "" {
			out = append(out, slog.String(f.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
