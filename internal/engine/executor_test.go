package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/internal/safety"
	"github.com/tessaro/chainkit/pkg/schema"
)

// echoHandler succeeds and reports what it received.
type echoHandler struct {
	name  string
	calls int64
	sleep time.Duration
}

func (h *echoHandler) Name() string { return h.name }

func (h *echoHandler) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	atomic.AddInt64(&h.calls, 1)
	if h.sleep > 0 {
		select {
		case <-time.After(h.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Result{Output: map[string]any{
		"step":   inv.StepID,
		"target": inv.Target,
		"params": inv.Params,
		"deps":   inv.Deps,
	}}, nil
}

// failOnceHandler fails a configurable number of times per step, then echoes.
type failNHandler struct {
	name     string
	failures int64
	calls    int64
}

func (h *failNHandler) Name() string { return h.name }

func (h *failNHandler) Invoke(_ context.Context, inv Invocation) (*Result, error) {
	n := atomic.AddInt64(&h.calls, 1)
	if n <= atomic.LoadInt64(&h.failures) {
		return nil, schema.NewError(schema.ErrCodeHandlerFailed, "transient failure")
	}
	return &Result{Output: map[string]any{"step": inv.StepID}}, nil
}

func newTestExecutor(t *testing.T, bus EventPublisher, gate SafetyChecker, handlers ...Invocable) *ChainExecutor {
	t.Helper()
	registry := NewRegistry()
	for _, h := range handlers {
		require.NoError(t, registry.Register(h))
	}
	resilience := NewResiliencePolicy(
		NewBreakerRegistry(BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute}),
		nil, NewBackoff(1), bus, nil)
	return NewChainExecutor(DefaultExecutorConfig(), registry, resilience, gate, bus, nil)
}

func TestExecuteSequentialChainPassesDependencyOutputs(t *testing.T) {
	bus := &fakeBus{}
	h := &echoHandler{name: "echo"}
	e := newTestExecutor(t, bus, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:     "c1",
		Name:   "two-step",
		Target: "web01.lab.internal",
		Steps: []schema.StepDefinition{
			{ID: "first", Handler: "echo", Params: json.RawMessage(`{"depth":1}`)},
			{ID: "second", Handler: "echo", DependsOn: []string{"first"}},
		},
	})

	require.Equal(t, schema.ChainStatusSucceeded, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"first", "second"}, result.ExecutedSteps)
	assert.Empty(t, result.FailedSteps)

	var secondOut map[string]any
	require.NoError(t, json.Unmarshal(result.Steps["second"].Output, &secondOut))
	deps := secondOut["deps"].(map[string]any)
	require.Contains(t, deps, "first")
	firstSeen := deps["first"].(map[string]any)
	assert.Equal(t, "web01.lab.internal", firstSeen["target"], "second step sees first step's output")

	assert.Contains(t, bus.types(), schema.EventChainStarted)
	assert.Contains(t, bus.types(), schema.EventChainSucceeded)
}

func TestExecuteMergesChainParamsIntoStepInput(t *testing.T) {
	h := &echoHandler{name: "echo"}
	e := newTestExecutor(t, &fakeBus{}, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:     "c-globals",
		Name:   "globals",
		Params: map[string]any{"api_key_name": "global-value", "depth": "shallow"},
		Steps: []schema.StepDefinition{
			{ID: "scan", Handler: "echo",
				Params: json.RawMessage(`{"depth":"deep","local":"x"}`)},
		},
	})

	require.Equal(t, schema.ChainStatusSucceeded, result.Status)
	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Steps["scan"].Output, &out))
	params, ok := out["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "global-value", params["api_key_name"], "chain-global params reach the handler")
	assert.Equal(t, "deep", params["depth"], "step params win over chain params")
	assert.Equal(t, "x", params["local"])
}

func TestExecuteParallelDiamond(t *testing.T) {
	h := &echoHandler{name: "echo", sleep: 2 * time.Millisecond}
	e := newTestExecutor(t, &fakeBus{}, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:   "c2",
		Name: "diamond",
		Mode: schema.ModeParallel,
		Steps: []schema.StepDefinition{
			{ID: "a", Handler: "echo"},
			{ID: "b", Handler: "echo", DependsOn: []string{"a"}},
			{ID: "c", Handler: "echo", DependsOn: []string{"a"}},
			{ID: "d", Handler: "echo", DependsOn: []string{"b", "c"}},
		},
	})

	require.Equal(t, schema.ChainStatusSucceeded, result.Status)
	assert.Equal(t, []string{"a", "b", "c", "d"}, result.ExecutedSteps)
	assert.Equal(t, int64(4), atomic.LoadInt64(&h.calls))
}

func TestExecuteModesProduceIdenticalState(t *testing.T) {
	def := func(mode schema.ExecutionMode) *schema.ChainDefinition {
		return &schema.ChainDefinition{
			ID:     "c-modes",
			Name:   "modes",
			Mode:   mode,
			Target: "web01.lab.internal",
			Params: map[string]any{"depth": "full"},
			Steps: []schema.StepDefinition{
				{ID: "a", Handler: "echo", Params: json.RawMessage(`{"phase":"recon"}`)},
				{ID: "b", Handler: "echo", DependsOn: []string{"a"}},
				{ID: "c", Handler: "echo", DependsOn: []string{"a"},
					OutputMap: map[string]string{"host": ".output.target"}},
				{ID: "d", Handler: "echo", DependsOn: []string{"b", "c"}},
			},
		}
	}

	outputs := func(mode schema.ExecutionMode) map[string]map[string]any {
		e := newTestExecutor(t, &fakeBus{}, nil, &echoHandler{name: "echo", sleep: time.Millisecond})
		result := e.Execute(context.Background(), def(mode))
		require.Equal(t, schema.ChainStatusSucceeded, result.Status)
		require.Equal(t, []string{"a", "b", "c", "d"}, result.ExecutedSteps)

		seen := make(map[string]map[string]any, len(result.Steps))
		for id, sr := range result.Steps {
			var out map[string]any
			require.NoError(t, json.Unmarshal(sr.Output, &out))
			seen[id] = out
		}
		return seen
	}

	sequential := outputs(schema.ModeSequential)
	parallel := outputs(schema.ModeParallel)
	assert.Equal(t, sequential, parallel,
		"execution mode changes scheduling, never the recorded state")
}

func TestExecuteGuardSkipsStep(t *testing.T) {
	bus := &fakeBus{}
	h := &echoHandler{name: "echo"}
	e := newTestExecutor(t, bus, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:   "c3",
		Name: "guarded",
		Steps: []schema.StepDefinition{
			{ID: "scan", Handler: "echo"},
			{ID: "exploit", Handler: "echo", DependsOn: []string{"scan"},
				When: `deps.scan.target == "never-this"`},
		},
	})

	require.Equal(t, schema.ChainStatusSucceeded, result.Status, "a guard skip is not a failure")
	assert.Equal(t, []string{"scan"}, result.ExecutedSteps)
	assert.Equal(t, []string{"exploit"}, result.SkippedSteps)
	assert.Contains(t, bus.forStep("exploit"), schema.EventStepSkipped)
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.calls))
}

func TestExecuteOutputMapProjection(t *testing.T) {
	h := &echoHandler{name: "echo"}
	e := newTestExecutor(t, &fakeBus{}, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:     "c4",
		Name:   "projected",
		Target: "web01",
		Steps: []schema.StepDefinition{
			{ID: "probe", Handler: "echo",
				OutputMap: map[string]string{"host": ".output.target"}},
		},
	})

	require.Equal(t, schema.ChainStatusSucceeded, result.Status)
	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Steps["probe"].Output, &out))
	assert.Equal(t, map[string]any{"host": "web01"}, out, "only projected keys are stored")
}

func TestExecuteAbortOnFirstFailure(t *testing.T) {
	bus := &fakeBus{}
	bad := &failNHandler{name: "bad", failures: 1000}
	good := &echoHandler{name: "echo"}
	e := newTestExecutor(t, bus, nil, bad, good)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:    "c5",
		Name:  "abort",
		Abort: schema.AbortOnFirstFailure,
		Steps: []schema.StepDefinition{
			{ID: "boom", Handler: "bad"},
			{ID: "dependent", Handler: "echo", DependsOn: []string{"boom"}},
			{ID: "unrelated", Handler: "echo"},
		},
	})

	require.Equal(t, schema.ChainStatusFailed, result.Status)
	assert.Equal(t, []string{"boom", "unrelated"}, result.FailedSteps,
		"steps the abort cut short are surfaced alongside the failure")
	assert.Equal(t, []string{"dependent"}, result.SkippedSteps)
	assert.Equal(t, schema.StepStatusCancelled, result.Steps["unrelated"].Status,
		"undispatched non-dependents are cancelled, not run")
	require.NotNil(t, result.Steps["unrelated"].Error)
	assert.Equal(t, "chain aborted after step failure", result.Steps["unrelated"].Error.Message)
	assert.Equal(t, int64(0), atomic.LoadInt64(&good.calls))
}

func TestExecuteContinueIndependentBranches(t *testing.T) {
	bad := &failNHandler{name: "bad", failures: 1000}
	good := &echoHandler{name: "echo"}
	e := newTestExecutor(t, &fakeBus{}, nil, bad, good)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:    "c6",
		Name:  "branches",
		Abort: schema.ContinueIndependentBranches,
		Steps: []schema.StepDefinition{
			{ID: "boom", Handler: "bad"},
			{ID: "dependent", Handler: "echo", DependsOn: []string{"boom"}},
			{ID: "unrelated", Handler: "echo"},
		},
	})

	require.Equal(t, schema.ChainStatusPartiallyFailed, result.Status)
	assert.Equal(t, []string{"boom"}, result.FailedSteps)
	assert.Equal(t, []string{"dependent"}, result.SkippedSteps)
	assert.Equal(t, []string{"unrelated"}, result.ExecutedSteps)
}

func TestExecuteSafetyDenialFailsStepAndSkipsDependents(t *testing.T) {
	gate, err := safety.NewGate(nil)
	require.NoError(t, err)
	h := &echoHandler{name: "echo"}
	e := newTestExecutor(t, &fakeBus{}, gate, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:    "c7",
		Name:  "denied",
		Abort: schema.ContinueIndependentBranches,
		Steps: []schema.StepDefinition{
			{ID: "strike", Handler: "echo", Target: "production.example.com"},
			{ID: "after", Handler: "echo", DependsOn: []string{"strike"}},
			{ID: "safe", Handler: "echo", Target: "web01.lab.internal"},
		},
	})

	require.Equal(t, schema.ChainStatusPartiallyFailed, result.Status)
	assert.Equal(t, []string{"strike"}, result.FailedSteps)
	assert.Equal(t, []string{"after"}, result.SkippedSteps)
	assert.Equal(t, []string{"safe"}, result.ExecutedSteps)

	require.NotNil(t, result.Steps["strike"].Error)
	assert.Equal(t, schema.ErrCodeAuthDenied, result.Steps["strike"].Error.Code)
	assert.Equal(t, int64(1), atomic.LoadInt64(&h.calls), "denied handler never invoked")
}

func TestExecuteSandboxSimulatesSteps(t *testing.T) {
	gate, err := safety.NewGate(nil, safety.WithSandbox(true))
	require.NoError(t, err)
	bus := &fakeBus{}
	h := &echoHandler{name: "echo"}
	e := newTestExecutor(t, bus, gate, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:     "c8",
		Name:   "dry-run",
		Target: "web01.lab.internal",
		Steps: []schema.StepDefinition{
			{ID: "scan", Handler: "echo"},
			{ID: "report", Handler: "echo", DependsOn: []string{"scan"}},
		},
	})

	require.Equal(t, schema.ChainStatusSucceeded, result.Status)
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.calls), "sandbox never touches handlers")
	assert.True(t, result.Steps["scan"].Simulated)
	assert.True(t, result.Steps["report"].Simulated)
	assert.Contains(t, bus.forStep("scan"), schema.EventStepSimulated)
}

func TestExecuteRetryCountsAttempts(t *testing.T) {
	bus := &fakeBus{}
	h := &failNHandler{name: "flaky", failures: 2}
	e := newTestExecutor(t, bus, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:   "c9",
		Name: "retrying",
		Steps: []schema.StepDefinition{
			{ID: "wobble", Handler: "flaky",
				Retry: &schema.RetryPolicy{MaxRetries: 3, BaseDelay: "1ms"}},
		},
	})

	require.Equal(t, schema.ChainStatusSucceeded, result.Status)
	assert.Equal(t, 3, result.Steps["wobble"].Attempts)
	assert.Contains(t, bus.forStep("wobble"), schema.EventStepRetrying)
}

func TestExecuteUnknownHandlerFailsStep(t *testing.T) {
	e := newTestExecutor(t, &fakeBus{}, nil)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:    "c10",
		Name:  "missing",
		Steps: []schema.StepDefinition{{ID: "ghost", Handler: "nope"}},
	})

	require.Equal(t, schema.ChainStatusFailed, result.Status)
	require.NotNil(t, result.Steps["ghost"].Error)
	assert.Equal(t, schema.ErrCodeNotFound, result.Steps["ghost"].Error.Code)
}

func TestExecuteCycleFailsBeforeAnyStep(t *testing.T) {
	h := &echoHandler{name: "echo"}
	e := newTestExecutor(t, &fakeBus{}, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:   "c11",
		Name: "cyclic",
		Steps: []schema.StepDefinition{
			{ID: "a", Handler: "echo", DependsOn: []string{"b"}},
			{ID: "b", Handler: "echo", DependsOn: []string{"a"}},
		},
	})

	require.Equal(t, schema.ChainStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Error.Code)
	assert.Equal(t, int64(0), atomic.LoadInt64(&h.calls))
}

func TestExecuteChainTimeoutCancels(t *testing.T) {
	bus := &fakeBus{}
	h := &echoHandler{name: "slow", sleep: 200 * time.Millisecond}
	e := newTestExecutor(t, bus, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		ID:      "c12",
		Name:    "deadline",
		Timeout: "20ms",
		Steps: []schema.StepDefinition{
			{ID: "crawl", Handler: "slow"},
			{ID: "next", Handler: "slow", DependsOn: []string{"crawl"}},
		},
	})

	require.Equal(t, schema.ChainStatusCancelled, result.Status)
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeTimeout, result.Error.Code)
	assert.Contains(t, bus.types(), schema.EventChainTimedOut)
	assert.Contains(t, bus.types(), schema.EventChainCancelled)
	assert.Equal(t, schema.StepStatusCancelled, result.Steps["next"].Status)
	assert.Equal(t, []string{"crawl", "next"}, result.FailedSteps,
		"steps the deadline cut short appear in the failed aggregate")
	require.NotNil(t, result.Steps["next"].Error)
	assert.Equal(t, schema.ErrCodeTimeout, result.Steps["next"].Error.Code)
	assert.Equal(t, "chain timeout", result.Steps["next"].Error.Message)
}

func TestExecuteAssignsChainID(t *testing.T) {
	h := &echoHandler{name: "echo"}
	e := newTestExecutor(t, &fakeBus{}, nil, h)

	result := e.Execute(context.Background(), &schema.ChainDefinition{
		Name:  "anonymous",
		Steps: []schema.StepDefinition{{ID: "only", Handler: "echo"}},
	})

	assert.NotEmpty(t, result.ChainID)
	require.Equal(t, schema.ChainStatusSucceeded, result.Status)
}
