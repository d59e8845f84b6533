package selector

import (
	"context"

	"github.com/tessaro/chainkit/pkg/schema"
)

// Proposal is a candidate step ranked by a selector, highest score first.
type Proposal struct {
	Step   schema.StepDefinition `json:"step"`
	Score  float64               `json:"score"`
	Reason string                `json:"reason,omitempty"`
}

// Request describes what the caller wants proposed.
type Request struct {
	Target     string                  `json:"target"`
	Tags       []string                `json:"tags,omitempty"` // required tags; empty matches all
	Limit      int                     `json:"limit,omitempty"`
	Candidates []schema.StepDefinition `json:"candidates"`
}

// Selector proposes the next steps to run against a target. The concrete
// strategy is chosen explicitly at construction time from configuration.
type Selector interface {
	Name() string
	Select(ctx context.Context, req Request) ([]Proposal, error)
}

// Strategy names accepted by New.
const (
	StrategyRuleBased = "rule_based"
	StrategyHeuristic = "heuristic"
)

// New builds the configured selector strategy. The heuristic strategy needs a
// run history; passing nil history degrades it to priority-only scoring.
func New(strategy string, history History) (Selector, error) {
	switch strategy {
	case StrategyRuleBased, "":
		return NewRuleBasedSelector(), nil
	case StrategyHeuristic:
		return NewHeuristicSelector(history), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown selector strategy %q", strategy)
	}
}

func hasAllTags(step schema.StepDefinition, required []string) bool {
	if len(required) == 0 {
		return true
	}
	tags := make(map[string]bool, len(step.Tags))
	for _, t := range step.Tags {
		tags[t] = true
	}
	for _, r := range required {
		if !tags[r] {
			return false
		}
	}
	return true
}

func capProposals(proposals []Proposal, limit int) []Proposal {
	if limit > 0 && len(proposals) > limit {
		return proposals[:limit]
	}
	return proposals
}

func validateRequest(req Request) error {
	if len(req.Candidates) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "no candidate steps")
	}
	for i, c := range req.Candidates {
		if c.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "candidate[%d] has no id", i)
		}
	}
	return nil
}
