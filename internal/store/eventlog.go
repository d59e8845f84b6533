package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tessaro/chainkit/pkg/schema"
)

// EventLog provides an append-only, per-run sequenced event record on top of
// a LibSQLStore. It doubles as a history for replaying step outcomes after a
// crash or for post-run inspection.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// Append stores an event with a monotonically increasing per-run sequence.
// Uses a write-intent statement inside the transaction so the sequence read
// and insert cannot interleave with a concurrent writer.
func (el *EventLog) Append(ctx context.Context, rec *EventRecord) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction. Force write lock
	// acquisition before reading the max sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, rec.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	rec.Sequence = seq

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, detail, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, nullStr(rec.StepID), rec.Type, nullRaw(rec.Detail), rec.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) Events(ctx context.Context, runID string, since int64) ([]*EventRecord, error) {
	rows, err := el.store.DB().QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, detail, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRecords(rows)
}

// EventsByType returns events of a specific type matching the filter,
// most recent first.
func (el *EventLog) EventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*EventRecord, error) {
	query := `SELECT id, run_id, step_id, event_type, detail, timestamp, sequence FROM events WHERE event_type = ?`
	args := []any{eventType}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		query += " AND step_id = ?"
		args = append(args, filter.StepID)
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := el.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRecords(rows)
}

// Replay reconstructs per-step outcomes from a run's event log.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepRecord, error) {
	events, err := el.Events(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*StepRecord)
	if len(events) == 0 {
		return states, nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	started := make(map[string]time.Time)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		sr, ok := states[e.StepID]
		if !ok {
			sr = &StepRecord{
				RunID:  runID,
				StepID: e.StepID,
				Status: schema.StepStatusPending,
			}
			states[e.StepID] = sr
		}

		switch e.Type {
		case schema.EventStepStarted:
			sr.Status = schema.StepStatusRunning
			started[e.StepID] = e.Timestamp

		case schema.EventStepSucceeded:
			sr.Status = schema.StepStatusSucceeded
			sr.Output = e.Detail
			if t, ok := started[e.StepID]; ok {
				sr.DurationMs = e.Timestamp.Sub(t).Milliseconds()
			}

		case schema.EventStepFailed:
			sr.Status = schema.StepStatusFailed
			sr.Error = e.Detail

		case schema.EventStepSkipped:
			sr.Status = schema.StepStatusSkipped

		case schema.EventStepCancelled:
			sr.Status = schema.StepStatusCancelled

		case schema.EventStepRetrying:
			sr.Status = schema.StepStatusRetrying
			sr.Attempts++

		case schema.EventStepSimulated:
			sr.Simulated = true
		}
	}

	return states, nil
}

// Record consumes a bus subscription channel and persists every chain-scoped
// event. It returns when the channel closes or the context is cancelled.
// Intended to run in its own goroutine for the lifetime of a subscription.
func (el *EventLog) Record(ctx context.Context, events <-chan schema.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.ChainID == "" {
				continue
			}
			rec := &EventRecord{
				RunID:     ev.ChainID,
				StepID:    ev.StepID,
				Type:      ev.Type,
				Timestamp: ev.Timestamp,
			}
			if ev.Detail != nil {
				detail, err := json.Marshal(ev.Detail)
				if err == nil {
					rec.Detail = detail
				}
			}
			if err := el.Append(ctx, rec); err != nil {
				return fmt.Errorf("record event %s: %w", ev.Type, err)
			}
		}
	}
}

func scanEventRecords(rows *sql.Rows) ([]*EventRecord, error) {
	var events []*EventRecord
	for rows.Next() {
		e := &EventRecord{}
		var stepID, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &detail, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Detail = rawOrNil(detail)
		events = append(events, e)
	}
	return events, rows.Err()
}
