package schema

import "time"

// Event type constants published on the callback bus and recorded in the run log.
const (
	EventChainStarted   = "chain_started"
	EventChainSucceeded = "chain_succeeded"
	EventChainPartial   = "chain_partially_failed"
	EventChainFailed    = "chain_failed"
	EventChainCancelled = "chain_cancelled"
	EventChainTimedOut  = "chain_timed_out"

	EventStepStarted   = "step_started"
	EventStepRetrying  = "step_retrying"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepCancelled = "step_cancelled"
	EventStepSimulated = "step_simulated"

	EventCircuitOpen     = "circuit_open"
	EventCircuitHalfOpen = "circuit_half_open"
	EventCircuitClosed   = "circuit_closed"

	EventServiceDegraded = "service_degraded"
	EventServiceDown     = "service_down"
	EventServiceRestored = "service_restored"

	EventSafetyDenied    = "safety_denied"
	EventEmergencyStop   = "emergency_stop"
)

// Event is the payload delivered to callback bus consumers.
type Event struct {
	ChainID   string    `json:"chain_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Detail    any       `json:"detail,omitempty"`
}
