package graph

import (
	"fmt"
	"sort"
	"strings"
)

// DOT renders the graph topology in Graphviz DOT format. Static edges are
// solid, conditional edges dashed and labeled with their path map key, and
// declared Send destinations dotted.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph {\n")
	b.WriteString("  rankdir=LR;\n")
	fmt.Fprintf(&b, "  %q [shape=circle];\n", Start)
	fmt.Fprintf(&b, "  %q [shape=doublecircle];\n", End)

	nodeIDs := g.NodeIDs()
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		node := g.nodes[id]
		label := node.Name
		if label == "" {
			label = id
		}
		fmt.Fprintf(&b, "  %q [shape=box, label=%q];\n", id, label)
	}

	froms := make([]string, 0, len(g.edges))
	for from := range g.edges {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		for _, edge := range g.edges[from] {
			fmt.Fprintf(&b, "  %q -> %q;\n", edge.From, edge.To)
		}
	}

	condFroms := make([]string, 0, len(g.conditionalEdges))
	for from := range g.conditionalEdges {
		condFroms = append(condFroms, from)
	}
	sort.Strings(condFroms)
	for _, from := range condFroms {
		cond := g.conditionalEdges[from]
		keys := make([]string, 0, len(cond.PathMap))
		for key := range cond.PathMap {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "  %q -> %q [style=dashed, label=%q];\n", from, cond.PathMap[key], key)
		}
	}

	for _, id := range nodeIDs {
		node := g.nodes[id]
		dests := make([]string, 0, len(node.destinations))
		for to := range node.destinations {
			dests = append(dests, to)
		}
		sort.Strings(dests)
		for _, to := range dests {
			if label := node.destinations[to]; label != "" {
				fmt.Fprintf(&b, "  %q -> %q [style=dotted, label=%q];\n", id, to, label)
			} else {
				fmt.Fprintf(&b, "  %q -> %q [style=dotted];\n", id, to)
			}
		}
	}

	b.WriteString("}\n")
	return b.String()
}
