package diagram

import (
	"fmt"

	"github.com/tessaro/chainkit/pkg/schema"
)

// Build converts a chain definition into a renderable Model. result may be
// nil; when present, each node gets a status overlay from the matching step
// result.
func Build(def *schema.ChainDefinition, result *schema.ChainResult) *Model {
	title := def.Name
	if title == "" {
		title = def.ID
	}
	model := &Model{Title: title}

	for _, step := range def.Steps {
		node := &Node{
			ID:      step.ID,
			Label:   nodeLabel(step),
			Guarded: step.When != "",
		}
		if result != nil {
			if sr, ok := result.Steps[step.ID]; ok {
				node.Status = &StatusOverlay{
					Status:     string(sr.Status),
					DurationMs: sr.DurationMs,
					Attempts:   sr.Attempts,
					Simulated:  sr.Simulated,
				}
			}
		}
		model.Nodes = append(model.Nodes, node)

		for _, dep := range step.DependsOn {
			edge := Edge{From: dep, To: step.ID}
			if step.When != "" {
				edge.Label = "when"
			}
			model.Edges = append(model.Edges, edge)
		}
	}

	return model
}

func nodeLabel(step schema.StepDefinition) string {
	if step.Handler == "" || step.Handler == step.ID {
		return step.ID
	}
	return fmt.Sprintf("%s\n%s", step.ID, step.Handler)
}
