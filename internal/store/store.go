package store

import (
	"context"

	"github.com/tessaro/chainkit/internal/safety"
)

// Store defines the persistence layer contract: chain documents, run history,
// the safety audit trail, and schedules. All implementations must be safe for
// concurrent use.
type Store interface {
	// Chain definitions
	SaveChain(ctx context.Context, doc *ChainDoc) error
	GetChain(ctx context.Context, id string) (*ChainDoc, error)
	ListChains(ctx context.Context, limit int) ([]*ChainDoc, error)
	DeleteChain(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, update RunUpdate) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	SaveStepResults(ctx context.Context, runID string, steps []*StepRecord) error
	ListStepResults(ctx context.Context, runID string) ([]*StepRecord, error)

	// Audit trail
	AppendAudit(ctx context.Context, rec safety.Record) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]safety.Record, error)

	// Secrets (encrypted blobs; sealing happens in the secrets package)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Agents
	RegisterAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgentSeen(ctx context.Context, id string) error
	ListAgents(ctx context.Context, limit int) ([]*Agent, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, onlyEnabled bool) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
