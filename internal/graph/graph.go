package graph

import (
	"sort"
)

// Graph is an immutable, validated DAG of computation units.
//
// Construction performs all structural validation; a Graph that exists is
// safe for concurrent read access and its accessors cannot fail structurally.
type Graph struct {
	unitsByID map[string]*Unit
	ids       []string // canonical order: depth asc, then ID asc

	index    map[string]int
	lexical  []string // index -> ID (lexical order)
	upstream [][]int  // by index, sorted
	children [][]int  // by index, sorted
	depth    []int    // topological depth by index
}

// New builds and validates a Graph.
//
// Rejected at construction:
//   - no units, empty or duplicate IDs
//   - Needs referencing unknown units, self-references, duplicate edges
//     (all wrapping ErrMalformedUnit)
//   - any dependency cycle (a *CycleError wrapping ErrCycle)
func New(units []Unit) (*Graph, error) {
	if len(units) == 0 {
		return nil, malformedf("graph has no units")
	}

	unitsByID := make(map[string]*Unit, len(units))
	ids := make([]string, 0, len(units))
	for i := range units {
		u := &units[i]
		if u.ID == "" {
			return nil, malformedf("unit ID is required")
		}
		if _, dup := unitsByID[u.ID]; dup {
			return nil, malformedf("duplicate unit ID %q", u.ID)
		}
		unitsByID[u.ID] = u.clone()
		ids = append(ids, u.ID)
	}
	sort.Strings(ids)

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	upstream := make([][]int, len(ids))
	children := make([][]int, len(ids))
	for _, id := range ids {
		u := unitsByID[id]
		seen := make(map[string]struct{}, len(u.Needs))
		for _, need := range u.Needs {
			if need == u.ID {
				return nil, malformedf("unit %q depends on itself", u.ID)
			}
			if _, ok := unitsByID[need]; !ok {
				return nil, malformedf("unit %q references unknown upstream %q", u.ID, need)
			}
			if _, dup := seen[need]; dup {
				return nil, malformedf("unit %q declares duplicate upstream %q", u.ID, need)
			}
			seen[need] = struct{}{}
			upstream[index[u.ID]] = append(upstream[index[u.ID]], index[need])
			children[index[need]] = append(children[index[need]], index[u.ID])
		}
	}
	for i := range upstream {
		sort.Ints(upstream[i])
		sort.Ints(children[i])
	}

	g := &Graph{
		unitsByID: unitsByID,
		index:     index,
		lexical:   ids,
		upstream:  upstream,
		children:  children,
	}

	if cycle := g.findCycle(ids); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	g.depth = g.computeDepth(len(ids))

	// Canonical order: depth-staged, lexical within a stage. This is the
	// order TopologicalOrder returns and the scheduler dispatches in.
	canonical := append([]string(nil), ids...)
	sort.Slice(canonical, func(i, j int) bool {
		di, dj := g.depth[index[canonical[i]]], g.depth[index[canonical[j]]]
		if di != dj {
			return di < dj
		}
		return canonical[i] < canonical[j]
	})
	g.ids = canonical

	return g, nil
}

// findCycle returns a cycle as an ID path (first ID repeated at the end),
// or nil if the graph is acyclic. Iterative DFS with a three-color scheme;
// start order is lexical so the reported cycle is deterministic.
func (g *Graph) findCycle(ids []string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(ids))
	parent := make([]int, len(ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycleFrom, cycleTo = -1, -1
	var visit func(int)
	visit = func(n int) {
		color[n] = gray
		for _, dep := range g.upstream[n] {
			if cycleFrom >= 0 {
				return
			}
			switch color[dep] {
			case white:
				parent[dep] = n
				visit(dep)
			case gray:
				cycleFrom, cycleTo = n, dep
				return
			}
		}
		if color[n] == gray {
			color[n] = black
		}
	}

	for _, id := range ids {
		n := g.index[id]
		if color[n] == white {
			visit(n)
		}
		if cycleFrom >= 0 {
			break
		}
	}
	if cycleFrom < 0 {
		return nil
	}

	// Walk parents from cycleFrom back to cycleTo to recover the path.
	rev := []int{cycleTo}
	for n := cycleFrom; n != cycleTo; n = parent[n] {
		rev = append(rev, n)
	}
	rev = append(rev, cycleTo)

	path := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		path = append(path, g.idAt(rev[i]))
	}
	return path
}

func (g *Graph) idAt(n int) string { return g.lexical[n] }

// computeDepth returns the longest-path depth from any root, per index.
func (g *Graph) computeDepth(n int) []int {
	depth := make([]int, n)
	state := make([]int, n) // 0 unvisited, 1 done
	var visit func(int) int
	visit = func(u int) int {
		if state[u] == 1 {
			return depth[u]
		}
		d := 0
		for _, p := range g.upstream[u] {
			if pd := visit(p) + 1; pd > d {
				d = pd
			}
		}
		depth[u] = d
		state[u] = 1
		return d
	}
	for i := 0; i < n; i++ {
		visit(i)
	}
	return depth
}

// Len returns the number of units in the graph.
func (g *Graph) Len() int { return len(g.ids) }

// Unit returns the unit with the given ID.
func (g *Graph) Unit(id string) (*Unit, bool) {
	u, ok := g.unitsByID[id]
	return u, ok
}

// TopologicalOrder returns the deterministic execution order: every unit
// appears after all of its upstream units, staged by topological depth and
// lexical within a stage.
func (g *Graph) TopologicalOrder() []string {
	return append([]string(nil), g.ids...)
}

// Depth returns the topological depth of the given unit: the length of the
// longest path from any root to it.
func (g *Graph) Depth(id string) (int, bool) {
	n, ok := g.index[id]
	if !ok {
		return 0, false
	}
	return g.depth[n], true
}

// MaxDepth returns the largest topological depth in the graph.
func (g *Graph) MaxDepth() int {
	max := 0
	for _, d := range g.depth {
		if d > max {
			max = d
		}
	}
	return max
}

// Upstream returns the direct upstream IDs of the given unit, sorted.
func (g *Graph) Upstream(id string) []string {
	n, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.upstream[n]))
	for _, p := range g.upstream[n] {
		out = append(out, g.lexical[p])
	}
	sort.Strings(out)
	return out
}

// Descendants returns the IDs of all transitive downstream units of id,
// sorted. The unit itself is not included.
func (g *Graph) Descendants(id string) []string {
	n, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := make(map[int]struct{})
	stack := append([]int(nil), g.children[n]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		stack = append(stack, g.children[u]...)
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, g.lexical[u])
	}
	sort.Strings(out)
	return out
}

// Closure returns the IDs of the given targets plus all their transitive
// upstream units, sorted. Unknown targets are reported as malformed.
func (g *Graph) Closure(targets []string) ([]string, error) {
	seen := make(map[int]struct{})
	var stack []int
	for _, t := range targets {
		n, ok := g.index[t]
		if !ok {
			return nil, malformedf("unknown unit %q", t)
		}
		stack = append(stack, n)
	}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		stack = append(stack, g.upstream[u]...)
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, g.lexical[u])
	}
	sort.Strings(out)
	return out, nil
}
