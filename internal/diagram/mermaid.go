package diagram

import (
	"fmt"
	"strings"
)

// mermaidClasses defines one CSS class per rendered status, emitted in a
// fixed order so output is stable across runs.
var mermaidClasses = []struct {
	name string
	def  string
}{
	{"succeeded", "fill:#2f6f3e,stroke:#1d4a28,color:#fff"},
	{"failed", "fill:#96242b,stroke:#5e1419,color:#fff"},
	{"running", "fill:#215f82,stroke:#143c52,color:#fff"},
	{"retrying", "fill:#a8740f,stroke:#7a540b,color:#fff"},
	{"pending", "fill:#6b6b6b,stroke:#4a4a4a,color:#fff"},
	{"skipped", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

// mermaidClassFor maps schema.StepStatus values onto the class set above.
// Statuses sharing a visual treatment share a class.
var mermaidClassFor = map[string]string{
	"succeeded": "succeeded",
	"failed":    "failed",
	"running":   "running",
	"retrying":  "retrying",
	"pending":   "pending",
	"scheduled": "pending",
	"skipped":   "skipped",
	"cancelled": "skipped",
}

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		writeMermaidEdge(&b, edge)
	}

	b.WriteString("\n")
	for _, cls := range mermaidClasses {
		fmt.Fprintf(&b, "    classDef %s %s\n", cls.name, cls.def)
	}
	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidClassFor[node.Status.Status]; cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition. Guarded steps render as
// diamonds, everything else as boxes.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)
	if node.Guarded {
		return fmt.Sprintf("%s{%q}", id, label)
	}
	return fmt.Sprintf("%s[%q]", id, label)
}

func writeMermaidEdge(b *strings.Builder, edge Edge) {
	arrow := "-->"
	if edge.Label != "" {
		arrow = fmt.Sprintf("-->|%s|", edge.Label)
	}
	fmt.Fprintf(b, "    %s %s %s\n", mermaidSafeID(edge.From), arrow, mermaidSafeID(edge.To))
}

// mermaidSafeID converts a step ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
