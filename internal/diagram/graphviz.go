package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// nodeStyle is the visual treatment for one step status.
type nodeStyle struct {
	fill   string
	font   string
	dashed bool
}

// statusStyles maps schema.StepStatus values to their overlay colors.
// Statuses without an entry render as plain filled boxes.
var statusStyles = map[string]nodeStyle{
	"succeeded": {fill: "#2f6f3e", font: "white"},
	"failed":    {fill: "#96242b", font: "white"},
	"running":   {fill: "#215f82", font: "white"},
	"retrying":  {fill: "#a8740f", font: "white"},
	"pending":   {fill: "#cfcfcf", font: "black"},
	"scheduled": {fill: "#cfcfcf", font: "black"},
	"skipped":   {fill: "#ececec", font: "#8a8a8a", dashed: true},
	"cancelled": {fill: "#ececec", font: "#8a8a8a", dashed: true},
}

// RenderImage renders the model as a PNG using the graphviz dot layout.
func RenderImage(model *Model) ([]byte, error) {
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: init graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	nodes, err := addNodes(graph, model)
	if err != nil {
		return nil, err
	}
	addEdges(graph, model.Edges, nodes)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render: %w", err)
	}
	return buf.Bytes(), nil
}

func addNodes(graph *cgraph.Graph, model *Model) (map[string]*cgraph.Node, error) {
	nodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gn, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: node %s: %w", node.ID, err)
		}
		gn.SetLabel(firstLine(node.Label))
		if node.Guarded {
			gn.SetShape(cgraph.DiamondShape)
		} else {
			gn.SetShape(cgraph.BoxShape)
		}
		if node.Status != nil {
			paint(gn, node.Status.Status)
		}
		nodes[node.ID] = gn
	}
	return nodes, nil
}

// addEdges draws depends_on edges. Edges referring to unknown nodes are
// dropped rather than failing the whole render.
func addEdges(graph *cgraph.Graph, edges []Edge, nodes map[string]*cgraph.Node) {
	for _, edge := range edges {
		from, to := nodes[edge.From], nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := graph.CreateEdgeByName("", from, to)
		if err == nil && edge.Label != "" {
			ge.SetLabel(edge.Label)
		}
	}
}

func paint(gn *cgraph.Node, status string) {
	style, ok := statusStyles[status]
	if !ok {
		gn.SetStyle(cgraph.FilledNodeStyle)
		return
	}
	if style.dashed {
		gn.SetStyle(cgraph.DashedNodeStyle)
	} else {
		gn.SetStyle(cgraph.FilledNodeStyle)
	}
	gn.SetFillColor(style.fill)
	gn.SetFontColor(style.font)
}
