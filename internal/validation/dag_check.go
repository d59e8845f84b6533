package validation

import (
	"fmt"
	"sort"

	"github.com/tessaro/chainkit/pkg/schema"
)

// validateDAG checks the dependency graph: a cycle is an error, a step that
// no root can reach is a warning. References to unknown steps are skipped
// here; the semantic stage already reported them.
func validateDAG(def *schema.ChainDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	g := buildGraph(def)

	if offender := g.findCycle(); offender != "" {
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("chain contains a dependency cycle through step %q", offender))
		return result
	}

	for _, id := range g.unreachable() {
		result.AddWarning(fmt.Sprintf("steps[%s]", id),
			schema.ErrCodeValidation,
			fmt.Sprintf("step %q is unreachable from any root step", id))
	}
	return result
}

// depGraph holds the step graph in both directions: deps point upstream,
// dependents downstream.
type depGraph struct {
	ids        []string
	deps       map[string][]string
	dependents map[string][]string
}

func buildGraph(def *schema.ChainDefinition) *depGraph {
	g := &depGraph{
		deps:       make(map[string][]string, len(def.Steps)),
		dependents: make(map[string][]string, len(def.Steps)),
	}
	known := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		known[s.ID] = true
		g.ids = append(g.ids, s.ID)
	}
	sort.Strings(g.ids)

	for _, s := range def.Steps {
		seen := map[string]bool{}
		for _, dep := range s.DependsOn {
			if !known[dep] || seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[s.ID] = append(g.deps[s.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}
	return g
}

// findCycle runs a three-color depth-first search over the dependency edges
// and returns one step on a cycle, or "" when the graph is acyclic.
func (g *depGraph) findCycle() string {
	const (
		white = iota // unvisited
		grey         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(g.ids))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case grey:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range g.ids {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// unreachable walks downstream from the roots (steps with no dependencies)
// and returns every step the walk never touches, in id order.
func (g *depGraph) unreachable() []string {
	reached := make(map[string]bool, len(g.ids))
	var frontier []string
	for _, id := range g.ids {
		if len(g.deps[id]) == 0 {
			reached[id] = true
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, next := range g.dependents[id] {
			if !reached[next] {
				reached[next] = true
				frontier = append(frontier, next)
			}
		}
	}

	var missing []string
	for _, id := range g.ids {
		if !reached[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
