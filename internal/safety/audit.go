package safety

import (
	"context"
	"sync"
	"time"
)

// DefaultMemorySinkCap bounds the in-memory audit trail.
const DefaultMemorySinkCap = 1000

// Record is one audited gate decision.
type Record struct {
	Time      time.Time `json:"time"`
	ChainID   string    `json:"chain_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Target    string    `json:"target,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Allowed   bool      `json:"allowed"`
	Simulated bool      `json:"simulated,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Sink receives audit records. Implementations must be safe for concurrent
// appends from parallel steps.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// MemorySink keeps the most recent records in memory, dropping the oldest
// once the cap is reached.
type MemorySink struct {
	mu      sync.Mutex
	cap     int
	records []Record
}

// NewMemorySink creates a bounded in-memory sink.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemorySinkCap
	}
	return &MemorySink{cap: capacity}
}

// Append adds a record, evicting the oldest when full.
func (s *MemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) >= s.cap {
		s.records = s.records[1:]
	}
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of the trail, oldest first.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// MultiSink fans appends out to several sinks; the first error wins but all
// sinks are attempted.
type MultiSink []Sink

// Append writes the record to every sink.
func (m MultiSink) Append(ctx context.Context, rec Record) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Append(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
