package schema

import "encoding/json"

// ChainDefinition is the JSON-serializable chain format.
// Callers provide it inline or load it from a stored document.
type ChainDefinition struct {
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name"`
	Steps     []StepDefinition `json:"steps"`
	Params    map[string]any   `json:"params,omitempty"`    // chain-global parameters, visible to every step
	Target    string           `json:"target,omitempty"`    // default target for steps that don't set one
	Mode      ExecutionMode    `json:"mode,omitempty"`      // sequential | parallel (default: sequential)
	Abort     AbortPolicy      `json:"abort,omitempty"`     // abort_on_failure | continue_branches (default: abort_on_failure)
	Timeout   string           `json:"timeout,omitempty"`   // chain-level timeout (e.g. "10m")
	StepTimeout string         `json:"step_timeout,omitempty"` // default per-step timeout
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a chain.
type StepDefinition struct {
	ID        string          `json:"id"`
	Handler   string          `json:"handler"`              // registered invocable name (e.g. "http.probe")
	Operation string          `json:"operation,omitempty"`  // resource operation for breaker keying (default: handler name)
	Target    string          `json:"target,omitempty"`     // overrides the chain target
	Service   string          `json:"service,omitempty"`    // named service whose live endpoint the handler receives
	Params    json.RawMessage `json:"params,omitempty"`     // handler-specific parameters
	DependsOn []string        `json:"depends_on,omitempty"` // step IDs that must succeed first
	When      string          `json:"when,omitempty"`       // expr guard; false skips the step without failing it
	OutputMap map[string]string `json:"output_map,omitempty"` // name → jq expression projecting the raw result
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	Timeout   string          `json:"timeout,omitempty"`    // step-level timeout (e.g. "30s")
	Tags      []string        `json:"tags,omitempty"`       // selector hints (recon, access, persist, ...)
	Priority  int             `json:"priority,omitempty"`   // selector ordering hint
}

// RetryPolicy configures retry behavior for a step.
// Delay for attempt n is min(base * multiplier^n + jitter, max_delay).
type RetryPolicy struct {
	MaxRetries int     `json:"max_retries"`          // attempts beyond the first
	BaseDelay  string  `json:"base_delay,omitempty"` // initial delay (e.g. "500ms")
	Multiplier float64 `json:"multiplier,omitempty"` // default 2.0
	MaxDelay   string  `json:"max_delay,omitempty"`  // cap on computed delay
}

// ExecutionMode selects how steps within a batch are dispatched.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// AbortPolicy decides what happens to the rest of the chain when a step fails.
type AbortPolicy string

const (
	// AbortOnFirstFailure skips every transitive dependent of the failed step
	// and stops dispatching new batches. In-flight siblings finish.
	AbortOnFirstFailure AbortPolicy = "abort_on_failure"
	// ContinueIndependentBranches skips only the failed step's dependents and
	// lets unrelated branches run to completion.
	ContinueIndependentBranches AbortPolicy = "continue_branches"
)

// ChainResult is the aggregate outcome of one chain execution.
type ChainResult struct {
	ChainID       string                 `json:"chain_id"`
	Status        ChainStatus            `json:"status"`
	Success       bool                   `json:"success"`
	ExecutedSteps []string               `json:"executed_steps,omitempty"`
	FailedSteps   []string               `json:"failed_steps,omitempty"`
	SkippedSteps  []string               `json:"skipped_steps,omitempty"`
	Steps         map[string]*StepResult `json:"steps,omitempty"`
	TotalTimeMs   int64                  `json:"total_time_ms"`
	Error         *ChainError            `json:"error,omitempty"`
}

// StepResult summarizes the outcome of a single step.
type StepResult struct {
	StepID     string          `json:"step_id"`
	Status     StepStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ChainError     `json:"error,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Simulated  bool            `json:"simulated,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ChainStatus represents the lifecycle state of a chain.
type ChainStatus string

const (
	ChainStatusPending         ChainStatus = "pending"
	ChainStatusRunning         ChainStatus = "running"
	ChainStatusSucceeded       ChainStatus = "succeeded"
	ChainStatusPartiallyFailed ChainStatus = "partially_failed"
	ChainStatusFailed          ChainStatus = "failed"
	ChainStatusCancelled       ChainStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusScheduled StepStatus = "scheduled"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}
