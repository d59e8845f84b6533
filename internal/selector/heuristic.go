package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/tessaro/chainkit/internal/store"
	"github.com/tessaro/chainkit/pkg/schema"
)

// History is the slice of the store the heuristic selector reads.
// *store.LibSQLStore satisfies it.
type History interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	ListStepResults(ctx context.Context, runID string) ([]*store.StepRecord, error)
}

// historyWindow caps how many past runs per target feed the scoring.
const historyWindow = 50

// HeuristicSelector weights declared priority with observed outcomes: steps
// whose handler succeeded against the target in past runs score higher, steps
// that kept failing score lower. With no history it degrades to priority
// ordering.
type HeuristicSelector struct {
	history History

	// Weights are fixed; tune here rather than per call.
	priorityWeight float64
	successWeight  float64
}

// NewHeuristicSelector creates the heuristic strategy. history may be nil.
func NewHeuristicSelector(history History) *HeuristicSelector {
	return &HeuristicSelector{
		history:        history,
		priorityWeight: 1.0,
		successWeight:  10.0,
	}
}

func (s *HeuristicSelector) Name() string { return StrategyHeuristic }

func (s *HeuristicSelector) Select(ctx context.Context, req Request) ([]Proposal, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	rates, err := s.successRates(ctx, req.Target, req.Candidates)
	if err != nil {
		return nil, err
	}

	var proposals []Proposal
	for _, c := range req.Candidates {
		if !hasAllTags(c, req.Tags) {
			continue
		}
		score := s.priorityWeight * float64(c.Priority)
		reason := fmt.Sprintf("priority %d", c.Priority)
		if r, ok := rates[c.ID]; ok {
			score += s.successWeight * r.rate()
			reason = fmt.Sprintf("priority %d, %d/%d past successes against %s",
				c.Priority, r.succeeded, r.total, req.Target)
		}
		proposals = append(proposals, Proposal{Step: c, Score: score, Reason: reason})
	}

	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].Score != proposals[j].Score {
			return proposals[i].Score > proposals[j].Score
		}
		return proposals[i].Step.ID < proposals[j].Step.ID
	})

	return capProposals(proposals, req.Limit), nil
}

type outcome struct {
	succeeded int
	total     int
}

func (o outcome) rate() float64 {
	if o.total == 0 {
		return 0
	}
	return float64(o.succeeded) / float64(o.total)
}

// successRates aggregates per-step outcomes from past runs against the target.
// Step records are matched to candidates by step ID.
func (s *HeuristicSelector) successRates(ctx context.Context, target string, candidates []schema.StepDefinition) (map[string]outcome, error) {
	rates := make(map[string]outcome)
	if s.history == nil || target == "" {
		return rates, nil
	}

	wanted := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		wanted[c.ID] = true
	}

	runs, err := s.history.ListRuns(ctx, store.RunFilter{Target: target, Limit: historyWindow})
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", target, err)
	}

	for _, run := range runs {
		steps, err := s.history.ListStepResults(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("list steps for run %s: %w", run.ID, err)
		}
		for _, st := range steps {
			if !wanted[st.StepID] {
				continue
			}
			o := rates[st.StepID]
			switch st.Status {
			case schema.StepStatusSucceeded:
				o.succeeded++
				o.total++
			case schema.StepStatusFailed:
				o.total++
			}
			// Skipped/cancelled steps say nothing about viability.
			rates[st.StepID] = o
		}
	}
	return rates, nil
}
