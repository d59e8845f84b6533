package engine

import (
	"sync"

	"github.com/tessaro/chainkit/pkg/schema"
)

// StateView is the read-only view of shared state handed to step handlers.
// Only results of steps that reached Succeeded are visible.
type StateView interface {
	// Get returns the result of a succeeded step, or (nil, false).
	Get(stepID string) (any, bool)
	// Keys returns the IDs of all steps whose results are readable.
	Keys() []string
}

// SharedState is the chain-scoped result store through which steps exchange
// results. Each step writes exactly one key (its own ID), exactly once, and
// only on success. The batch barrier orders writes before dependent reads, so
// the internal lock only guards concurrent same-batch access.
type SharedState struct {
	mu      sync.RWMutex
	results map[string]any
}

// NewSharedState creates an empty SharedState scoped to a single execution.
func NewSharedState() *SharedState {
	return &SharedState{results: make(map[string]any)}
}

// Put records the result of a succeeded step. Writing a key twice is a
// programming error in the executor and is rejected.
func (s *SharedState) Put(stepID string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "result for step %s already written", stepID).WithStep(stepID)
	}
	s.results[stepID] = result
	return nil
}

// Get returns the result of a succeeded step, or (nil, false).
func (s *SharedState) Get(stepID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.results[stepID]
	return v, ok
}

// Keys returns the IDs of all steps whose results are readable.
func (s *SharedState) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.results))
	for k := range s.results {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of all readable results, keyed by step ID.
// Used to build expression scopes and the final chain result.
func (s *SharedState) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}
