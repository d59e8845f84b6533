package store

import (
	"encoding/json"
	"time"

	"github.com/tessaro/chainkit/pkg/schema"
)

// ChainDoc is a stored chain definition, runnable by ID from the CLI, the
// scheduler, or the MCP surface.
type ChainDoc struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Run is the persisted summary of one chain execution.
type Run struct {
	ID          string             `json:"id"` // execution ID (ChainResult.ChainID)
	ChainID     string             `json:"chain_id,omitempty"` // stored definition ID, "" for ad-hoc runs
	Name        string             `json:"name,omitempty"`
	Target      string             `json:"target,omitempty"`
	Mode        string             `json:"mode,omitempty"`
	Status      schema.ChainStatus `json:"status"`
	Success     bool               `json:"success"`
	Error       json.RawMessage    `json:"error,omitempty"`
	TotalTimeMs int64              `json:"total_time_ms"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// StepRecord is the persisted outcome of one step within a run.
type StepRecord struct {
	RunID      string            `json:"run_id"`
	StepID     string            `json:"step_id"`
	Status     schema.StepStatus `json:"status"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      json.RawMessage   `json:"error,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Simulated  bool              `json:"simulated,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
}

// EventRecord is an immutable entry in the per-run event log.
type EventRecord struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Schedule is a cron-triggered execution of a stored chain.
type Schedule struct {
	ID            string     `json:"id"`
	ChainID       string     `json:"chain_id"`
	CronExpr      string     `json:"cron_expr"`
	Enabled       bool       `json:"enabled"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Agent is a registered caller identity. Runs initiated over the MCP surface
// carry the agent ID so the audit trail can attribute actions.
type Agent struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"` // llm, system, human, service
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	ChainID string              `json:"chain_id,omitempty"`
	Status  *schema.ChainStatus `json:"status,omitempty"`
	Target  string              `json:"target,omitempty"`
	Since   *time.Time          `json:"since,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Offset  int                 `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run once it finishes.
type RunUpdate struct {
	Status      *schema.ChainStatus `json:"status,omitempty"`
	Success     *bool               `json:"success,omitempty"`
	Error       json.RawMessage     `json:"error,omitempty"`
	TotalTimeMs *int64              `json:"total_time_ms,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

// AuditFilter specifies criteria for listing audit records.
type AuditFilter struct {
	ChainID    string     `json:"chain_id,omitempty"`
	Target     string     `json:"target,omitempty"`
	OnlyDenied bool       `json:"only_denied,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	CronExpr      string     `json:"cron_expr,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// EventFilter specifies criteria for listing run events.
type EventFilter struct {
	RunID  string `json:"run_id,omitempty"`
	StepID string `json:"step_id,omitempty"`
	Type   string `json:"event_type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
