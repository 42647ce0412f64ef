package graph

import (
	"fmt"

	"github.com/awalterschulze/gographviz"
)

const dotGraphName = "topology"

// RenderDOT renders the topology as a Graphviz digraph. Edges point from a
// node to the node it depends on.
func RenderDOT() (string, error) {
	g := gographviz.NewEscape()
	if err := g.SetName(dotGraphName); err != nil {
		return "", fmt.Errorf("set graph name: %w", err)
	}
	if err := g.SetDir(true); err != nil {
		return "", fmt.Errorf("set graph direction: %w", err)
	}

	for _, n := range topology {
		attrs := map[string]string{
			"label": string(n.Type),
			"shape": "box",
		}
		if n.Billable {
			attrs["style"] = "bold"
		}
		if err := g.AddNode(dotGraphName, string(n.Type), attrs); err != nil {
			return "", fmt.Errorf("add node %s: %w", n.Type, err)
		}
	}

	for _, n := range topology {
		for _, dep := range n.DependsOn {
			if err := g.AddEdge(string(n.Type), string(dep), true, nil); err != nil {
				return "", fmt.Errorf("add edge %s -> %s: %w", n.Type, dep, err)
			}
		}
	}

	return g.String(), nil
}
