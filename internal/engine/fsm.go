package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tessaro/chainkit/pkg/schema"
)

// EventPublisher receives lifecycle events from the engine.
// Satisfied by *bus.CallbackBus and test fakes.
type EventPublisher interface {
	Publish(ctx context.Context, event schema.Event) error
}

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// --- Chain FSM ---

type chainHookKey struct {
	from, to schema.ChainStatus
}

// ChainFSM manages chain lifecycle state transitions.
type ChainFSM struct {
	mu     sync.Mutex
	bus    EventPublisher
	before map[chainHookKey][]TransitionHook
	after  map[chainHookKey][]TransitionHook
}

// NewChainFSM creates a new ChainFSM that announces transitions on the bus.
func NewChainFSM(bus EventPublisher) *ChainFSM {
	return &ChainFSM{
		bus:    bus,
		before: make(map[chainHookKey][]TransitionHook),
		after:  make(map[chainHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a chain transition.
func (f *ChainFSM) OnBefore(from, to schema.ChainStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := chainHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a chain transition.
func (f *ChainFSM) OnAfter(from, to schema.ChainStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := chainHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a chain state transition, announcing the
// corresponding event on the bus. The caller owns persisting the new state.
func (f *ChainFSM) Transition(ctx context.Context, chainID string, from, to schema.ChainStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidChainTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid chain transition: %s -> %s", from, to).
			WithDetails(map[string]any{"chain_id": chainID, "from": string(from), "to": string(to)})
	}

	key := chainHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := chainEventType(to); eventType != "" {
		_ = f.bus.Publish(ctx, schema.Event{
			ChainID:   chainID,
			Type:      eventType,
			Timestamp: time.Now().UTC(),
		})
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidChainTransition(from, to schema.ChainStatus) bool {
	allowed, ok := ValidChainTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func chainEventType(to schema.ChainStatus) string {
	switch to {
	case schema.ChainStatusRunning:
		return schema.EventChainStarted
	case schema.ChainStatusSucceeded:
		return schema.EventChainSucceeded
	case schema.ChainStatusPartiallyFailed:
		return schema.EventChainPartial
	case schema.ChainStatusFailed:
		return schema.EventChainFailed
	case schema.ChainStatusCancelled:
		return schema.EventChainCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu     sync.Mutex
	bus    EventPublisher
	before map[stepHookKey][]TransitionHook
	after  map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a new StepFSM that announces transitions on the bus.
func NewStepFSM(bus EventPublisher) *StepFSM {
	return &StepFSM{
		bus:    bus,
		before: make(map[stepHookKey][]TransitionHook),
		after:  make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step state transition, announcing the
// corresponding event on the bus.
func (f *StepFSM) Transition(ctx context.Context, chainID, stepID string, from, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"chain_id": chainID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(to); eventType != "" {
		_ = f.bus.Publish(ctx, schema.Event{
			ChainID:   chainID,
			StepID:    stepID,
			Type:      eventType,
			Timestamp: time.Now().UTC(),
		})
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	case schema.StepStatusSucceeded:
		return schema.EventStepSucceeded
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusCancelled:
		return schema.EventStepCancelled
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidChainTransitions defines the allowed state transitions for chains.
// Created → Resolving → Executing collapses into Pending → Running here; a
// resolution failure surfaces as a synchronous error before Running.
var ValidChainTransitions = map[schema.ChainStatus][]schema.ChainStatus{
	schema.ChainStatusPending:         {schema.ChainStatusRunning, schema.ChainStatusCancelled, schema.ChainStatusFailed},
	schema.ChainStatusRunning:         {schema.ChainStatusSucceeded, schema.ChainStatusPartiallyFailed, schema.ChainStatusFailed, schema.ChainStatusCancelled},
	schema.ChainStatusSucceeded:       {},
	schema.ChainStatusPartiallyFailed: {},
	schema.ChainStatusFailed:          {},
	schema.ChainStatusCancelled:       {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// Terminal states are permanent.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusScheduled, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusScheduled: {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusRunning:   {schema.StepStatusSucceeded, schema.StepStatusFailed, schema.StepStatusRetrying, schema.StepStatusCancelled},
	schema.StepStatusRetrying:  {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusSucceeded: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
	schema.StepStatusCancelled: {},
}
