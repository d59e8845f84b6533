package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/internal/store"
	"github.com/tessaro/chainkit/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu        sync.Mutex
	chains    map[string]*store.ChainDoc
	schedules map[string]*store.Schedule
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{
		chains:    make(map[string]*store.ChainDoc),
		schedules: make(map[string]*store.Schedule),
	}
}

func (m *mockSchedulerStore) GetChain(_ context.Context, id string) (*store.ChainDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.chains[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "chain %q not found", id)
	}
	cp := *doc
	return &cp, nil
}

func (m *mockSchedulerStore) ListSchedules(_ context.Context, onlyEnabled bool) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Schedule
	for _, s := range m.schedules {
		if onlyEnabled && !s.Enabled {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockSchedulerStore) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		s.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		s.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		s.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) addChain(t *testing.T, id string, def *schema.ChainDefinition) {
	t.Helper()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[id] = &store.ChainDoc{ID: id, Name: def.Name, Definition: raw}
}

func (m *mockSchedulerStore) addSchedule(sched *store.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[sched.ID] = sched
}

func (m *mockSchedulerStore) schedule(id string) store.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.schedules[id]
}

// mockRunner tracks Execute calls.
type mockRunner struct {
	mu     sync.Mutex
	calls  []string
	result *schema.ChainResult
	err    error
	block  chan struct{} // when set, Execute blocks until closed
}

func (r *mockRunner) Execute(_ context.Context, def *schema.ChainDefinition) (*schema.ChainResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, def.ID)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &schema.ChainResult{ChainID: def.ID, Status: schema.ChainStatusSucceeded, Success: true}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// recordingRecorder captures RecordResult calls.
type recordingRecorder struct {
	mu      sync.Mutex
	results []*schema.ChainResult
}

func (r *recordingRecorder) RecordResult(_ context.Context, _ *schema.ChainDefinition, result *schema.ChainResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func testChainDef() *schema.ChainDefinition {
	return &schema.ChainDefinition{
		ID:   "nightly",
		Name: "nightly probe",
		Steps: []schema.StepDefinition{
			{ID: "ping", Handler: "http.probe"},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestTickRunsDueSchedule(t *testing.T) {
	st := newMockSchedulerStore()
	st.addChain(t, "nightly", testChainDef())
	st.addSchedule(&store.Schedule{ID: "s1", ChainID: "nightly", CronExpr: "0 2 * * *", Enabled: true})

	runner := &mockRunner{}
	recorder := &recordingRecorder{}
	s := NewScheduler(st, runner, recorder, quietLogger())

	s.Tick(context.Background())

	assert.Equal(t, 1, runner.callCount())
	require.Len(t, recorder.results, 1)
	assert.Equal(t, schema.ChainStatusSucceeded, recorder.results[0].Status)

	sched := st.schedule("s1")
	assert.Equal(t, "succeeded", sched.LastRunStatus)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.After(time.Now().UTC()))
}

func TestTickSkipsFutureSchedule(t *testing.T) {
	st := newMockSchedulerStore()
	st.addChain(t, "nightly", testChainDef())
	future := time.Now().UTC().Add(time.Hour)
	st.addSchedule(&store.Schedule{ID: "s1", ChainID: "nightly", CronExpr: "0 2 * * *", Enabled: true, NextRunAt: &future})

	runner := &mockRunner{}
	s := NewScheduler(st, runner, nil, quietLogger())

	s.Tick(context.Background())
	assert.Zero(t, runner.callCount())
}

func TestTickSkipsDisabledSchedule(t *testing.T) {
	st := newMockSchedulerStore()
	st.addChain(t, "nightly", testChainDef())
	st.addSchedule(&store.Schedule{ID: "s1", ChainID: "nightly", CronExpr: "0 2 * * *", Enabled: false})

	runner := &mockRunner{}
	s := NewScheduler(st, runner, nil, quietLogger())

	s.Tick(context.Background())
	assert.Zero(t, runner.callCount())
}

func TestRunScheduleRecordsFailureStatus(t *testing.T) {
	st := newMockSchedulerStore()
	st.addChain(t, "nightly", testChainDef())
	st.addSchedule(&store.Schedule{ID: "s1", ChainID: "nightly", CronExpr: "0 2 * * *", Enabled: true})

	runner := &mockRunner{err: errors.New("boom")}
	s := NewScheduler(st, runner, nil, quietLogger())

	s.Tick(context.Background())

	sched := st.schedule("s1")
	assert.Equal(t, "error", sched.LastRunStatus)
	require.NotNil(t, sched.NextRunAt)
}

func TestRunScheduleMissingChain(t *testing.T) {
	st := newMockSchedulerStore()
	st.addSchedule(&store.Schedule{ID: "s1", ChainID: "ghost", CronExpr: "0 2 * * *", Enabled: true})

	runner := &mockRunner{}
	s := NewScheduler(st, runner, nil, quietLogger())

	s.Tick(context.Background())

	assert.Zero(t, runner.callCount())
	sched := st.schedule("s1")
	assert.Equal(t, "error", sched.LastRunStatus)
}

func TestInflightDedup(t *testing.T) {
	st := newMockSchedulerStore()
	st.addChain(t, "nightly", testChainDef())
	st.addSchedule(&store.Schedule{ID: "s1", ChainID: "nightly", CronExpr: "0 2 * * *", Enabled: true})

	block := make(chan struct{})
	runner := &mockRunner{block: block}
	s := NewScheduler(st, runner, nil, quietLogger())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Tick(context.Background())
	}()

	// Wait for the first run to be in flight, then a second tick must skip it.
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)
	s.Tick(context.Background())
	assert.Equal(t, 1, runner.callCount())

	close(block)
	wg.Wait()
}

func TestCalculateNextRun(t *testing.T) {
	s := NewScheduler(newMockSchedulerStore(), &mockRunner{}, nil, quietLogger())

	from := time.Date(2026, 8, 28, 1, 0, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 2 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 28, 2, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("not a cron", from)
	require.Error(t, err)
}

func TestRecoverMissed(t *testing.T) {
	st := newMockSchedulerStore()
	st.addChain(t, "nightly", testChainDef())
	past := time.Now().UTC().Add(-time.Hour)
	st.addSchedule(&store.Schedule{ID: "s1", ChainID: "nightly", CronExpr: "0 2 * * *", Enabled: true, NextRunAt: &past})
	st.addSchedule(&store.Schedule{ID: "s2", ChainID: "nightly", CronExpr: "0 2 * * *", Enabled: true})

	runner := &mockRunner{}
	s := NewScheduler(st, runner, nil, quietLogger())

	// Only s1 has a missed next_run_at; s2 has never been scheduled yet.
	require.NoError(t, s.RecoverMissed(context.Background()))
	assert.Equal(t, 1, runner.callCount())
}

func TestStartStop(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{}
	s := NewScheduler(st, runner, nil, quietLogger())

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
