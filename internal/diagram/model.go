// Package diagram renders chain definitions as dependency graphs, either as
// Mermaid flowchart text or as a PNG via graphviz. When a run result is
// supplied, nodes carry the per-step outcome as a color overlay.
package diagram

// Model is the intermediate representation shared by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step of the chain.
type Node struct {
	ID      string
	Label   string
	Guarded bool // step has a when-guard
	Status  *StatusOverlay
}

// StatusOverlay carries the step outcome of a finished or running execution.
type StatusOverlay struct {
	Status     string // schema.StepStatus value
	DurationMs int64
	Attempts   int
	Simulated  bool
}

// Edge is a depends_on relation between two steps.
type Edge struct {
	From  string
	To    string
	Label string
}
