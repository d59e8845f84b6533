package engine

import (
	"fmt"

	"github.com/tessaro/chainkit/pkg/schema"
)

// Plan is the resolved execution order of a chain. Batches are the unit of
// dispatch: every step in batch N depends only on steps in strictly earlier
// batches, so the members of one batch are eligible to run concurrently.
type Plan struct {
	Steps      map[string]*schema.StepDefinition // step ID → definition
	Deps       map[string][]string               // step ID → dependencies
	Dependents map[string][]string               // step ID → direct dependents
	Batches    [][]string                        // ordered concurrent-eligible batches

	order []string // original insertion order, for deterministic batches
}

// ResolvePlan validates a chain definition and resolves its dependency graph
// into ordered batches using Kahn's algorithm: each round removes every step
// whose dependencies are all already removed. Within a batch, steps keep the
// definition's insertion order, so batch contents are deterministic for
// identical input. A cycle fails resolution before any step runs.
func ResolvePlan(def *schema.ChainDefinition) (*Plan, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain has no steps")
	}

	plan := &Plan{
		Steps:      make(map[string]*schema.StepDefinition, len(def.Steps)),
		Deps:       make(map[string][]string, len(def.Steps)),
		Dependents: make(map[string][]string, len(def.Steps)),
		order:      make([]string, 0, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicates.
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step at index %d has empty ID", i))
		}
		if _, exists := plan.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		if step.Handler == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has no handler", step.ID)
		}

		plan.Steps[step.ID] = step
		plan.order = append(plan.order, step.ID)
	}

	// Second pass: build adjacency lists and validate dependencies.
	for _, id := range plan.order {
		step := plan.Steps[id]
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := plan.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id).WithStep(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			plan.Dependents[dep] = append(plan.Dependents[dep], id)
		}
		plan.Deps[id] = deps
	}

	// Kahn's algorithm, one batch per round: remove every currently
	// zero-in-degree step together, preserving insertion order.
	inDegree := make(map[string]int, len(plan.Steps))
	for id, deps := range plan.Deps {
		inDegree[id] = len(deps)
	}

	removed := make(map[string]bool, len(plan.Steps))
	for len(removed) < len(plan.Steps) {
		batch := make([]string, 0)
		for _, id := range plan.order {
			if !removed[id] && inDegree[id] == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			// No removable step left — the remainder contains a cycle.
			member := plan.findCycleMember(removed)
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"chain contains a dependency cycle involving step %s", member).WithStep(member)
		}
		for _, id := range batch {
			removed[id] = true
			for _, dep := range plan.Dependents[id] {
				inDegree[dep]--
			}
		}
		plan.Batches = append(plan.Batches, batch)
	}

	return plan, nil
}

// findCycleMember walks dependency edges among unremoved steps until a step
// repeats. Every unremoved step leads into a cycle, so the walk terminates.
func (p *Plan) findCycleMember(removed map[string]bool) string {
	var start string
	for _, id := range p.order {
		if !removed[id] {
			start = id
			break
		}
	}

	visited := make(map[string]bool)
	current := start
	for !visited[current] {
		visited[current] = true
		for _, dep := range p.Deps[current] {
			if !removed[dep] {
				current = dep
				break
			}
		}
	}
	return current
}

// TransitiveDependents returns every step that directly or indirectly depends
// on the given step, in insertion order. Used to cascade skips after a failure.
func (p *Plan) TransitiveDependents(stepID string) []string {
	reached := make(map[string]bool)
	stack := []string{stepID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range p.Dependents[id] {
			if !reached[dep] {
				reached[dep] = true
				stack = append(stack, dep)
			}
		}
	}

	out := make([]string, 0, len(reached))
	for _, id := range p.order {
		if reached[id] {
			out = append(out, id)
		}
	}
	return out
}
