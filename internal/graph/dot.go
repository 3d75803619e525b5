package graph

import (
	"fmt"
	"strings"
)

// DOT renders the graph in Graphviz dot format, nodes in canonical order.
func (g *Graph) DOT(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", name)
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box];\n")
	for _, id := range g.ids {
		fmt.Fprintf(&b, "  %q;\n", id)
	}
	for _, id := range g.ids {
		u := g.unitsByID[id]
		needs := append([]string(nil), u.Needs...)
		for _, need := range needs {
			fmt.Fprintf(&b, "  %q -> %q;\n", need, id)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
