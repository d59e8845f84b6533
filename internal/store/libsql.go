package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tessaro/chainkit/internal/safety"
	"github.com/tessaro/chainkit/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Chain definitions ---

func (s *LibSQLStore) SaveChain(ctx context.Context, doc *ChainDoc) error {
	if doc.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "chain document requires an id")
	}
	if len(doc.Definition) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "chain document requires a definition")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chains (id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		doc.ID, doc.Name, string(doc.Definition), timeOrNow(doc.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetChain(ctx context.Context, id string) (*ChainDoc, error) {
	doc := &ChainDoc{}
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, definition, created_at, updated_at FROM chains WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Name, &def, &doc.CreatedAt, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("chain", id)
	}
	if err != nil {
		return nil, err
	}
	doc.Definition = json.RawMessage(def)
	return doc, nil
}

func (s *LibSQLStore) ListChains(ctx context.Context, limit int) ([]*ChainDoc, error) {
	query := `SELECT id, name, definition, created_at, updated_at FROM chains ORDER BY name`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*ChainDoc
	for rows.Next() {
		doc := &ChainDoc{}
		var def string
		if err := rows.Scan(&doc.ID, &doc.Name, &def, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.Definition = json.RawMessage(def)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *LibSQLStore) DeleteChain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chains WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "chain", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run requires an id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, chain_id, name, target, mode, status, success, error, total_time_ms, started_at, finished_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.ChainID), nullStr(run.Name), nullStr(run.Target), nullStr(run.Mode),
		string(run.Status), run.Success, nullRaw(run.Error), run.TotalTimeMs,
		nullTime(run.StartedAt), nullTime(run.FinishedAt), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) FinishRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Success != nil {
		sets = append(sets, "success = ?")
		args = append(args, *update.Success)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.TotalTimeMs != nil {
		sets = append(sets, "total_time_ms = ?")
		args = append(args, *update.TotalTimeMs)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		chainID, name, target, mode sql.NullString
		errJSON                     sql.NullString
		startedAt, finishedAt       sql.NullTime
		status                      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chain_id, name, target, mode, status, success, error, total_time_ms, started_at, finished_at, created_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &chainID, &name, &target, &mode, &status, &run.Success,
		&errJSON, &run.TotalTimeMs, &startedAt, &finishedAt, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.ChainID = chainID.String
	run.Name = name.String
	run.Target = target.String
	run.Mode = mode.String
	run.Status = schema.ChainStatus(status)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, chain_id, name, target, mode, status, success, error, total_time_ms, started_at, finished_at, created_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			chainID, name, target, mode sql.NullString
			errJSON                     sql.NullString
			startedAt, finishedAt       sql.NullTime
			status                      string
		)
		if err := rows.Scan(&run.ID, &chainID, &name, &target, &mode, &status, &run.Success,
			&errJSON, &run.TotalTimeMs, &startedAt, &finishedAt, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.ChainID = chainID.String
		run.Name = name.String
		run.Target = target.String
		run.Mode = mode.String
		run.Status = schema.ChainStatus(status)
		run.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Step results ---

func (s *LibSQLStore) SaveStepResults(ctx context.Context, runID string, steps []*StepRecord) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, st := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_steps (run_id, step_id, status, output, error, attempts, simulated, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, step_id) DO UPDATE SET
			   status=excluded.status, output=excluded.output, error=excluded.error,
			   attempts=excluded.attempts, simulated=excluded.simulated, duration_ms=excluded.duration_ms`,
			runID, st.StepID, string(st.Status),
			nullRaw(st.Output), nullRaw(st.Error),
			st.Attempts, st.Simulated, st.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("save step %s: %w", st.StepID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListStepResults(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, status, output, error, attempts, simulated, duration_ms
		 FROM run_steps WHERE run_id = ? ORDER BY step_id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		st := &StepRecord{}
		var status string
		var output, errJSON sql.NullString
		if err := rows.Scan(&st.RunID, &st.StepID, &status, &output, &errJSON,
			&st.Attempts, &st.Simulated, &st.DurationMs); err != nil {
			return nil, err
		}
		st.Status = schema.StepStatus(status)
		st.Output = rawOrNil(output)
		st.Error = rawOrNil(errJSON)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// RecordResult persists a finished execution as a run plus its step records.
// The definition provides the descriptive fields; def may be nil for results
// replayed from elsewhere.
func (s *LibSQLStore) RecordResult(ctx context.Context, def *schema.ChainDefinition, result *schema.ChainResult) error {
	now := time.Now().UTC()
	run := &Run{
		ID:          result.ChainID,
		Status:      result.Status,
		Success:     result.Success,
		TotalTimeMs: result.TotalTimeMs,
		FinishedAt:  &now,
		CreatedAt:   now,
	}
	if def != nil {
		run.ChainID = def.ID
		run.Name = def.Name
		run.Target = def.Target
		run.Mode = string(def.Mode)
	}
	if result.Error != nil {
		errJSON, err := json.Marshal(result.Error)
		if err != nil {
			return fmt.Errorf("marshal run error: %w", err)
		}
		run.Error = errJSON
	}
	started := now.Add(-time.Duration(result.TotalTimeMs) * time.Millisecond)
	run.StartedAt = &started
	if err := s.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	var steps []*StepRecord
	for id, sr := range result.Steps {
		rec := &StepRecord{
			RunID:      result.ChainID,
			StepID:     id,
			Status:     sr.Status,
			Output:     sr.Output,
			Attempts:   sr.Attempts,
			Simulated:  sr.Simulated,
			DurationMs: sr.DurationMs,
		}
		if sr.Error != nil {
			errJSON, err := json.Marshal(sr.Error)
			if err != nil {
				return fmt.Errorf("marshal step error: %w", err)
			}
			rec.Error = errJSON
		}
		steps = append(steps, rec)
	}
	return s.SaveStepResults(ctx, result.ChainID, steps)
}

// --- Audit trail ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, rec safety.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (time, chain_id, step_id, operation, target, actor, allowed, simulated, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		timeOrNow(rec.Time), nullStr(rec.ChainID), nullStr(rec.StepID),
		nullStr(rec.Operation), nullStr(rec.Target), nullStr(rec.Actor),
		rec.Allowed, rec.Simulated, nullStr(rec.Reason),
	)
	return err
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]safety.Record, error) {
	var where []string
	var args []any

	if filter.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.Target != "" {
		where = append(where, "target = ?")
		args = append(args, filter.Target)
	}
	if filter.OnlyDenied {
		where = append(where, "allowed = 0")
	}
	if filter.Since != nil {
		where = append(where, "time >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT time, chain_id, step_id, operation, target, actor, allowed, simulated, reason FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY time DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []safety.Record
	for rows.Next() {
		var rec safety.Record
		var chainID, stepID, operation, target, actor, reason sql.NullString
		if err := rows.Scan(&rec.Time, &chainID, &stepID, &operation, &target, &actor,
			&rec.Allowed, &rec.Simulated, &reason); err != nil {
			return nil, err
		}
		rec.ChainID = chainID.String
		rec.StepID = stepID.String
		rec.Operation = operation.String
		rec.Target = target.String
		rec.Actor = actor.String
		rec.Reason = reason.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret requires a key")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" || agent.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent requires id and name")
	}
	var meta any
	if len(agent.Metadata) > 0 {
		meta = string(agent.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, type, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.Type, meta, timeOrNow(agent.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already exists", agent.ID)
	}
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	var meta sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, metadata, created_at, last_seen_at FROM agents WHERE id = ?`, id,
	).Scan(&agent.ID, &agent.Name, &agent.Type, &meta, &agent.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	agent.Metadata = rawOrNil(meta)
	if lastSeen.Valid {
		agent.LastSeenAt = &lastSeen.Time
	}
	return agent, nil
}

func (s *LibSQLStore) UpdateAgentSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

func (s *LibSQLStore) ListAgents(ctx context.Context, limit int) ([]*Agent, error) {
	query := `SELECT id, name, type, metadata, created_at, last_seen_at FROM agents ORDER BY name`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent := &Agent{}
		var meta sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Type, &meta, &agent.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		agent.Metadata = rawOrNil(meta)
		if lastSeen.Valid {
			agent.LastSeenAt = &lastSeen.Time
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" || sched.ChainID == "" || sched.CronExpr == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires id, chain_id and cron_expr")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, chain_id, cron_expr, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.ChainID, sched.CronExpr, sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched := &Schedule{}
	var lastRunAt, nextRunAt sql.NullTime
	var lastStatus sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chain_id, cron_expr, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.ChainID, &sched.CronExpr, &sched.Enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	sched.LastRunStatus = lastStatus.String
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.CronExpr != "" {
		sets = append(sets, "cron_expr = ?")
		args = append(args, update.CronExpr)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, onlyEnabled bool) ([]*Schedule, error) {
	query := `SELECT id, chain_id, cron_expr, enabled, last_run_at, next_run_at, last_run_status, created_at FROM schedules`
	if onlyEnabled {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var lastRunAt, nextRunAt sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&sched.ID, &sched.ChainID, &sched.CronExpr, &sched.Enabled,
			&lastRunAt, &nextRunAt, &lastStatus, &sched.CreatedAt); err != nil {
			return nil, err
		}
		if lastRunAt.Valid {
			sched.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			sched.NextRunAt = &nextRunAt.Time
		}
		sched.LastRunStatus = lastStatus.String
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
