package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/internal/store"
	"github.com/tessaro/chainkit/pkg/schema"
)

func candidates() []schema.StepDefinition {
	return []schema.StepDefinition{
		{ID: "port-scan", Handler: "http.probe", Priority: 5, Tags: []string{"recon"}},
		{ID: "banner-grab", Handler: "http.probe", Priority: 3, Tags: []string{"recon"}},
		{ID: "brute-login", Handler: "shell.run", Priority: 8, Tags: []string{"access"}},
		{ID: "drop-agent", Handler: "shell.run", Priority: 1, Tags: []string{"persist", "access"}},
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	s, err := New(StrategyRuleBased, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyRuleBased, s.Name())

	s, err = New(StrategyHeuristic, nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyHeuristic, s.Name())

	s, err = New("", nil)
	require.NoError(t, err)
	assert.Equal(t, StrategyRuleBased, s.Name())

	_, err = New("ml_import_probe", nil)
	require.Error(t, err)
}

func TestRuleBasedOrdersByPriority(t *testing.T) {
	s := NewRuleBasedSelector()

	got, err := s.Select(context.Background(), Request{Candidates: candidates()})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "brute-login", got[0].Step.ID)
	assert.Equal(t, "port-scan", got[1].Step.ID)
	assert.Equal(t, "banner-grab", got[2].Step.ID)
	assert.Equal(t, "drop-agent", got[3].Step.ID)
}

func TestRuleBasedFiltersByTags(t *testing.T) {
	s := NewRuleBasedSelector()

	got, err := s.Select(context.Background(), Request{
		Candidates: candidates(),
		Tags:       []string{"access"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "brute-login", got[0].Step.ID)
	assert.Equal(t, "drop-agent", got[1].Step.ID)
}

func TestRuleBasedTiebreaksOnID(t *testing.T) {
	s := NewRuleBasedSelector()

	got, err := s.Select(context.Background(), Request{
		Candidates: []schema.StepDefinition{
			{ID: "zeta", Priority: 2},
			{ID: "alpha", Priority: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", got[0].Step.ID)
}

func TestRuleBasedLimit(t *testing.T) {
	s := NewRuleBasedSelector()

	got, err := s.Select(context.Background(), Request{Candidates: candidates(), Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSelectRejectsEmptyCandidates(t *testing.T) {
	s := NewRuleBasedSelector()
	_, err := s.Select(context.Background(), Request{})
	require.Error(t, err)

	h := NewHeuristicSelector(nil)
	_, err = h.Select(context.Background(), Request{})
	require.Error(t, err)
}

// fakeHistory serves canned runs and step records.
type fakeHistory struct {
	runs  []*store.Run
	steps map[string][]*store.StepRecord
}

func (f *fakeHistory) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	var out []*store.Run
	for _, r := range f.runs {
		if filter.Target == "" || r.Target == filter.Target {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHistory) ListStepResults(_ context.Context, runID string) ([]*store.StepRecord, error) {
	return f.steps[runID], nil
}

func TestHeuristicBoostsHistoricallySuccessfulSteps(t *testing.T) {
	history := &fakeHistory{
		runs: []*store.Run{
			{ID: "r1", Target: "web01.lab.internal"},
			{ID: "r2", Target: "web01.lab.internal"},
		},
		steps: map[string][]*store.StepRecord{
			// banner-grab always succeeds, brute-login always fails.
			"r1": {
				{StepID: "banner-grab", Status: schema.StepStatusSucceeded},
				{StepID: "brute-login", Status: schema.StepStatusFailed},
			},
			"r2": {
				{StepID: "banner-grab", Status: schema.StepStatusSucceeded},
				{StepID: "brute-login", Status: schema.StepStatusFailed},
			},
		},
	}
	s := NewHeuristicSelector(history)

	got, err := s.Select(context.Background(), Request{
		Target:     "web01.lab.internal",
		Candidates: candidates(),
	})
	require.NoError(t, err)
	require.Len(t, got, 4)

	// banner-grab: 3 + 10*1.0 = 13 beats brute-login: 8 + 10*0 = 8.
	assert.Equal(t, "banner-grab", got[0].Step.ID)
	assert.Contains(t, got[0].Reason, "2/2 past successes")
}

func TestHeuristicIgnoresSkippedOutcomes(t *testing.T) {
	history := &fakeHistory{
		runs: []*store.Run{{ID: "r1", Target: "web01.lab.internal"}},
		steps: map[string][]*store.StepRecord{
			"r1": {{StepID: "port-scan", Status: schema.StepStatusSkipped}},
		},
	}
	s := NewHeuristicSelector(history)

	got, err := s.Select(context.Background(), Request{
		Target:     "web01.lab.internal",
		Candidates: candidates(),
	})
	require.NoError(t, err)

	// No usable history: pure priority ordering.
	assert.Equal(t, "brute-login", got[0].Step.ID)
}

func TestHeuristicWithoutHistoryMatchesRuleBased(t *testing.T) {
	s := NewHeuristicSelector(nil)

	got, err := s.Select(context.Background(), Request{Candidates: candidates()})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "brute-login", got[0].Step.ID)
}

func TestHeuristicScopesHistoryToTarget(t *testing.T) {
	history := &fakeHistory{
		runs: []*store.Run{{ID: "r1", Target: "other.lab.internal"}},
		steps: map[string][]*store.StepRecord{
			"r1": {{StepID: "banner-grab", Status: schema.StepStatusSucceeded}},
		},
	}
	s := NewHeuristicSelector(history)

	got, err := s.Select(context.Background(), Request{
		Target:     "web01.lab.internal",
		Candidates: candidates(),
	})
	require.NoError(t, err)
	assert.Equal(t, "brute-login", got[0].Step.ID)
}
