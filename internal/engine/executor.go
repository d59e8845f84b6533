package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessaro/chainkit/internal/expressions"
	"github.com/tessaro/chainkit/internal/logging"
	"github.com/tessaro/chainkit/internal/safety"
	"github.com/tessaro/chainkit/pkg/schema"
)

// SafetyChecker is the pre-execution authorization checkpoint.
// Satisfied by *safety.Gate; nil disables the checkpoint.
type SafetyChecker interface {
	Check(ctx context.Context, req safety.CheckRequest) (safety.Decision, error)
}

// ExecutorConfig tunes a ChainExecutor.
type ExecutorConfig struct {
	MaxWorkers          int           // parallel-mode concurrency cap (default 4)
	DefaultStepTimeout  time.Duration // per-attempt deadline when the step sets none
	DefaultChainTimeout time.Duration // chain deadline when the definition sets none
	Actor               string        // identity presented to the safety gate
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxWorkers: 4,
		Actor:      "chainkit",
	}
}

// ChainExecutor drives chain execution batch by batch. Each step passes
// through the safety gate, then its handler runs under the resilience policy;
// results land in the chain's shared state and every lifecycle change is
// announced on the bus.
type ChainExecutor struct {
	cfg        ExecutorConfig
	registry   *Registry
	resilience *ResiliencePolicy
	gate       SafetyChecker
	bus        EventPublisher
	chainFSM   *ChainFSM
	stepFSM    *StepFSM
	guards     *expressions.ExprEngine
	projector  *expressions.GoJQEngine
	logger     *slog.Logger
}

// NewChainExecutor creates an executor. gate may be nil (no safety
// checkpoint); bus may be nil (events dropped).
func NewChainExecutor(cfg ExecutorConfig, registry *Registry, resilience *ResiliencePolicy, gate SafetyChecker, bus EventPublisher, logger *slog.Logger) *ChainExecutor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultExecutorConfig().MaxWorkers
	}
	if cfg.Actor == "" {
		cfg.Actor = DefaultExecutorConfig().Actor
	}
	if bus == nil {
		bus = nopPublisher{}
	}
	if resilience == nil {
		resilience = NewResiliencePolicy(nil, nil, nil, bus, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainExecutor{
		cfg:        cfg,
		registry:   registry,
		resilience: resilience,
		gate:       gate,
		bus:        bus,
		chainFSM:   NewChainFSM(bus),
		stepFSM:    NewStepFSM(bus),
		guards:     expressions.NewExprEngine(),
		projector:  expressions.NewGoJQEngine(),
		logger:     logger,
	}
}

// chainRun is the mutable state of one execution. Step results and decoded
// outputs are guarded by mu; parallel siblings in a batch write concurrently.
type chainRun struct {
	mu      sync.Mutex
	chainID string
	def     *schema.ChainDefinition
	plan    *Plan
	state   *SharedState
	results map[string]*schema.StepResult
	outputs map[string]any // decoded step outputs, for deps and guards
	aborted bool
}

func (r *chainRun) statusOf(stepID string) schema.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[stepID].Status
}

func (r *chainRun) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *chainRun) depOutputs(stepID string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	deps := make(map[string]any, len(r.plan.Deps[stepID]))
	for _, dep := range r.plan.Deps[stepID] {
		deps[dep] = r.outputs[dep]
	}
	return deps
}

// Execute runs a chain to completion. Step-level failures never surface as a
// Go error; everything is captured in the returned ChainResult. Only the
// shape of the definition (nil, cycle, duplicate IDs) can fail a chain before
// any step runs.
func (e *ChainExecutor) Execute(ctx context.Context, def *schema.ChainDefinition) *schema.ChainResult {
	started := time.Now()

	result := &schema.ChainResult{
		Status: schema.ChainStatusPending,
		Steps:  make(map[string]*schema.StepResult),
	}

	plan, err := ResolvePlan(def)
	if err != nil {
		if def != nil {
			result.ChainID = def.ID
		}
		result.Status = schema.ChainStatusFailed
		result.Error = asChainError(err)
		result.TotalTimeMs = time.Since(started).Milliseconds()
		_ = e.chainFSM.Transition(ctx, result.ChainID, schema.ChainStatusPending, schema.ChainStatusFailed)
		return result
	}

	chainID := def.ID
	if chainID == "" {
		chainID = uuid.NewString()
	}
	result.ChainID = chainID

	ctx = logging.WithChainID(ctx, chainID)
	if def.Target != "" {
		ctx = logging.WithTarget(ctx, def.Target)
	}
	log := logging.LogWith(ctx, e.logger)

	run := &chainRun{
		chainID: chainID,
		def:     def,
		plan:    plan,
		state:   NewSharedState(),
		results: make(map[string]*schema.StepResult, len(plan.Steps)),
		outputs: make(map[string]any, len(plan.Steps)),
	}
	for id := range plan.Steps {
		run.results[id] = &schema.StepResult{StepID: id, Status: schema.StepStatusPending}
	}

	chainCtx := ctx
	if timeout := parseDurationOr(def.Timeout, e.cfg.DefaultChainTimeout); timeout > 0 {
		var cancel context.CancelFunc
		chainCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_ = e.chainFSM.Transition(ctx, chainID, schema.ChainStatusPending, schema.ChainStatusRunning)
	log.Info("chain started",
		slog.Int("steps", len(plan.Steps)),
		slog.Int("batches", len(plan.Batches)),
		slog.String("mode", string(def.Mode)))

	e.runBatches(chainCtx, run)

	return e.finalize(ctx, chainCtx, run, result, started)
}

func (e *ChainExecutor) runBatches(ctx context.Context, run *chainRun) {
	parallel := run.def.Mode == schema.ModeParallel

	var pool *WorkerPool
	if parallel {
		pool = NewWorkerPool(e.cfg.MaxWorkers)
		defer pool.Shutdown()
	}

	for _, batch := range run.plan.Batches {
		if ctx.Err() != nil || run.isAborted() {
			return
		}

		if !parallel {
			for _, stepID := range batch {
				if ctx.Err() != nil {
					return
				}
				e.runStep(ctx, run, stepID)
				if run.isAborted() {
					return
				}
			}
			continue
		}

		for _, stepID := range batch {
			id := stepID
			if err := pool.Submit(ctx, func(c context.Context) error {
				e.runStep(c, run, id)
				return nil
			}); err != nil {
				break
			}
		}
		// Hard barrier: batch N+1 never starts before batch N fully settles.
		pool.Wait()
	}
}

func (e *ChainExecutor) runStep(ctx context.Context, run *chainRun, stepID string) {
	if run.statusOf(stepID).Terminal() {
		return
	}

	step := run.plan.Steps[stepID]
	ctx = logging.WithStepID(ctx, stepID)
	log := logging.LogWith(ctx, e.logger)
	started := time.Now()

	e.setStepStatus(ctx, run, stepID, schema.StepStatusScheduled)

	// A step only runs when every declared dependency succeeded.
	for _, dep := range run.plan.Deps[stepID] {
		if run.statusOf(dep) != schema.StepStatusSucceeded {
			e.skipStep(ctx, run, stepID, fmt.Sprintf("dependency %q did not succeed", dep))
			return
		}
	}

	deps := run.depOutputs(stepID)

	if step.When != "" {
		env := expressions.NewGuardScope(run.def).
			WithDeps(deps).
			WithState(run.state.Snapshot()).
			Build()
		ok, err := e.guards.EvaluateBool(ctx, step.When, env)
		if err != nil {
			e.setStepStatus(ctx, run, stepID, schema.StepStatusRunning)
			e.failStep(ctx, run, stepID, started, err)
			return
		}
		if !ok {
			e.skipStep(ctx, run, stepID, "guard evaluated to false")
			return
		}
	}

	target := step.Target
	if target == "" {
		target = run.def.Target
	}
	operation := step.Operation
	if operation == "" {
		operation = step.Handler
	}

	e.setStepStatus(ctx, run, stepID, schema.StepStatusRunning)

	if e.gate != nil {
		decision, err := e.gate.Check(ctx, safety.CheckRequest{
			ChainID:   run.chainID,
			StepID:    stepID,
			Operation: operation,
			Target:    target,
			Actor:     e.cfg.Actor,
			StepMeta: map[string]any{
				"id":      stepID,
				"handler": step.Handler,
				"service": step.Service,
				"tags":    toAnySlice(step.Tags),
			},
			ChainMeta: map[string]any{
				"id":   run.chainID,
				"name": run.def.Name,
				"mode": string(run.def.Mode),
			},
		})
		if err != nil {
			e.failStep(ctx, run, stepID, started, err)
			return
		}
		if !decision.Allow {
			e.failStep(ctx, run, stepID, started, schema.NewErrorf(schema.ErrCodeAuthDenied,
				"safety gate denied step: %s", decision.Reason).
				WithStep(stepID).
				WithDetails(map[string]any{"target": target, "reason": decision.Reason}))
			return
		}
		if decision.Simulate {
			e.simulateStep(ctx, run, stepID, step, target, operation, started)
			return
		}
	}

	handler, err := e.registry.Get(step.Handler)
	if err != nil {
		e.failStep(ctx, run, stepID, started, err)
		return
	}

	inv := Invocation{
		ChainID: run.chainID,
		StepID:  stepID,
		Target:  target,
		Params:  mergeParams(run.def.Params, step.Params),
		Deps:    deps,
		State:   run.state,
	}

	stepTimeout := parseDurationOr(step.Timeout, parseDurationOr(run.def.StepTimeout, e.cfg.DefaultStepTimeout))

	res, attempts, err := e.resilience.Run(ctx, ExecRequest{
		Handler:        handler,
		Invocation:     inv,
		Operation:      operation,
		Service:        step.Service,
		Retry:          step.Retry,
		AttemptTimeout: stepTimeout,
		OnRetry: func(attempt int, delay time.Duration, attemptErr error) {
			e.setStepStatus(ctx, run, stepID, schema.StepStatusRetrying)
			e.setStepStatus(ctx, run, stepID, schema.StepStatusRunning)
		},
	})

	run.mu.Lock()
	run.results[stepID].Attempts = attempts
	run.mu.Unlock()

	if err != nil {
		e.failStep(ctx, run, stepID, started, err)
		return
	}

	output := res.Output
	if len(step.OutputMap) > 0 {
		projected, projErr := e.projector.Project(ctx, step.OutputMap, output)
		if projErr != nil {
			e.failStep(ctx, run, stepID, started, projErr)
			return
		}
		output = projected
	}

	e.completeStep(ctx, run, stepID, output, res.Simulated, started)
	log.Info("step succeeded", slog.Int("attempts", attempts), slog.Int64("duration_ms", time.Since(started).Milliseconds()))
}

// simulateStep produces the sandbox-mode dry-run result without touching the
// handler or the target.
func (e *ChainExecutor) simulateStep(ctx context.Context, run *chainRun, stepID string, step *schema.StepDefinition, target, operation string, started time.Time) {
	output := map[string]any{
		"simulated": true,
		"handler":   step.Handler,
		"operation": operation,
		"target":    target,
	}

	_ = e.bus.Publish(ctx, schema.Event{
		ChainID:   run.chainID,
		StepID:    stepID,
		Type:      schema.EventStepSimulated,
		Timestamp: time.Now().UTC(),
		Detail:    map[string]any{"handler": step.Handler, "target": target},
	})

	e.completeStep(ctx, run, stepID, output, true, started)
}

func (e *ChainExecutor) completeStep(ctx context.Context, run *chainRun, stepID string, output any, simulated bool, started time.Time) {
	if err := run.state.Put(stepID, output); err != nil {
		e.failStep(ctx, run, stepID, started, err)
		return
	}

	raw, _ := json.Marshal(output)

	run.mu.Lock()
	sr := run.results[stepID]
	sr.Output = raw
	sr.Simulated = simulated
	sr.DurationMs = time.Since(started).Milliseconds()
	run.outputs[stepID] = output
	run.mu.Unlock()

	e.setStepStatus(ctx, run, stepID, schema.StepStatusSucceeded)
}

func (e *ChainExecutor) failStep(ctx context.Context, run *chainRun, stepID string, started time.Time, err error) {
	chErr := asChainError(err)
	cancelled := chErr.Code == schema.ErrCodeCancelled

	run.mu.Lock()
	sr := run.results[stepID]
	sr.Error = chErr
	sr.DurationMs = time.Since(started).Milliseconds()
	run.mu.Unlock()

	if cancelled {
		// The chain is tearing down; finalize settles the rest as Cancelled.
		e.setStepStatus(ctx, run, stepID, schema.StepStatusCancelled)
		return
	}
	e.setStepStatus(ctx, run, stepID, schema.StepStatusFailed)

	logging.LogWith(ctx, e.logger).Warn("step failed",
		slog.String("code", chErr.Code),
		slog.String("error", chErr.Message))

	// Dependents of a failed step can never run; skip the whole transitive
	// closure now so their status is explicit rather than dangling.
	for _, dependent := range run.plan.TransitiveDependents(stepID) {
		if run.statusOf(dependent).Terminal() {
			continue
		}
		e.skipStep(ctx, run, dependent, fmt.Sprintf("dependency %q failed", stepID))
	}

	if run.def.Abort == "" || run.def.Abort == schema.AbortOnFirstFailure {
		run.mu.Lock()
		run.aborted = true
		run.mu.Unlock()
	}
}

func (e *ChainExecutor) skipStep(ctx context.Context, run *chainRun, stepID, reason string) {
	if run.statusOf(stepID).Terminal() {
		return
	}

	logging.LogWith(logging.WithStepID(ctx, stepID), e.logger).Info("step skipped",
		slog.String("reason", reason))
	e.setStepStatus(ctx, run, stepID, schema.StepStatusSkipped)
}

// setStepStatus performs the FSM transition and records the new status.
// Transition tables make illegal moves impossible; a rejected transition is a
// programming error and is logged, not propagated.
func (e *ChainExecutor) setStepStatus(ctx context.Context, run *chainRun, stepID string, to schema.StepStatus) {
	run.mu.Lock()
	from := run.results[stepID].Status
	run.mu.Unlock()

	if err := e.stepFSM.Transition(ctx, run.chainID, stepID, from, to); err != nil {
		logging.LogWith(ctx, e.logger).Error("step transition rejected",
			slog.String("from", string(from)), slog.String("to", string(to)))
		return
	}

	run.mu.Lock()
	run.results[stepID].Status = to
	run.mu.Unlock()
}

func (e *ChainExecutor) finalize(ctx, chainCtx context.Context, run *chainRun, result *schema.ChainResult, started time.Time) *schema.ChainResult {
	cancelled := chainCtx.Err() != nil
	timedOut := errors.Is(chainCtx.Err(), context.DeadlineExceeded)

	// Settle steps the run never reached, recording why each one stopped.
	cancelReason := func(stepID string) *schema.ChainError {
		switch {
		case timedOut:
			return schema.NewError(schema.ErrCodeTimeout, "chain timeout").WithStep(stepID)
		case cancelled:
			return schema.NewError(schema.ErrCodeCancelled, "chain cancelled").WithStep(stepID)
		default:
			return schema.NewError(schema.ErrCodeCancelled, "chain aborted after step failure").WithStep(stepID)
		}
	}
	for _, stepID := range run.plan.order {
		if run.statusOf(stepID).Terminal() {
			continue
		}
		e.setStepStatus(ctx, run, stepID, schema.StepStatusCancelled)
		run.mu.Lock()
		run.results[stepID].Error = cancelReason(stepID)
		run.mu.Unlock()
	}

	run.mu.Lock()
	var firstFailure *schema.ChainError
	for _, stepID := range run.plan.order {
		sr := run.results[stepID]
		result.Steps[stepID] = sr
		switch sr.Status {
		case schema.StepStatusSucceeded:
			result.ExecutedSteps = append(result.ExecutedSteps, stepID)
		case schema.StepStatusFailed:
			result.FailedSteps = append(result.FailedSteps, stepID)
			if firstFailure == nil {
				firstFailure = sr.Error
			}
		case schema.StepStatusCancelled:
			// Cancelled steps count as failures in the aggregate so a
			// timed-out chain names every step it cut short.
			result.FailedSteps = append(result.FailedSteps, stepID)
		case schema.StepStatusSkipped:
			result.SkippedSteps = append(result.SkippedSteps, stepID)
		}
	}
	run.mu.Unlock()

	var status schema.ChainStatus
	switch {
	case cancelled:
		status = schema.ChainStatusCancelled
		if timedOut {
			result.Error = schema.NewError(schema.ErrCodeTimeout, "chain deadline exceeded")
			_ = e.bus.Publish(ctx, schema.Event{
				ChainID:   run.chainID,
				Type:      schema.EventChainTimedOut,
				Timestamp: time.Now().UTC(),
			})
		} else {
			result.Error = schema.NewError(schema.ErrCodeCancelled, "chain cancelled")
		}
	case len(result.FailedSteps) == 0:
		status = schema.ChainStatusSucceeded
	case len(result.ExecutedSteps) > 0:
		status = schema.ChainStatusPartiallyFailed
	default:
		status = schema.ChainStatusFailed
		result.Error = firstFailure
	}

	_ = e.chainFSM.Transition(ctx, run.chainID, schema.ChainStatusRunning, status)

	result.Status = status
	result.Success = status == schema.ChainStatusSucceeded
	result.TotalTimeMs = time.Since(started).Milliseconds()

	logging.LogWith(ctx, e.logger).Info("chain finished",
		slog.String("status", string(status)),
		slog.Int("executed", len(result.ExecutedSteps)),
		slog.Int("failed", len(result.FailedSteps)),
		slog.Int("skipped", len(result.SkippedSteps)),
		slog.Int64("total_ms", result.TotalTimeMs))

	return result
}

// --- helpers ---

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, schema.Event) error { return nil }

func asChainError(err error) *schema.ChainError {
	var chErr *schema.ChainError
	if errors.As(err, &chErr) {
		return chErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

// mergeParams layers step params over the chain-global params, so a handler
// sees every chain param unless the step redefines the key.
func mergeParams(global map[string]any, step json.RawMessage) map[string]any {
	merged := make(map[string]any, len(global))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range decodeJSONMap(step) {
		merged[k] = v
	}
	return merged
}

func decodeJSONMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
