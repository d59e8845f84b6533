package selector

import (
	"context"
	"fmt"
	"sort"
)

// RuleBasedSelector ranks candidates by declared priority alone: steps whose
// tags satisfy the request, ordered by priority descending with step ID as a
// deterministic tiebreaker.
type RuleBasedSelector struct{}

// NewRuleBasedSelector creates the rule-based strategy.
func NewRuleBasedSelector() *RuleBasedSelector {
	return &RuleBasedSelector{}
}

func (s *RuleBasedSelector) Name() string { return StrategyRuleBased }

func (s *RuleBasedSelector) Select(_ context.Context, req Request) ([]Proposal, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var proposals []Proposal
	for _, c := range req.Candidates {
		if !hasAllTags(c, req.Tags) {
			continue
		}
		proposals = append(proposals, Proposal{
			Step:   c,
			Score:  float64(c.Priority),
			Reason: fmt.Sprintf("priority %d", c.Priority),
		})
	}

	sort.SliceStable(proposals, func(i, j int) bool {
		if proposals[i].Score != proposals[j].Score {
			return proposals[i].Score > proposals[j].Score
		}
		return proposals[i].Step.ID < proposals[j].Step.ID
	})

	return capProposals(proposals, req.Limit), nil
}
