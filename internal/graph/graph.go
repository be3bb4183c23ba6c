// Package graph builds the per-run dependency graph of a playbook and derives
// a safe, parallel-capable execution order from it.
package graph

import (
	"sort"

	playbook "github.com/parchmint/playbook-engine"
)

// DependencyGraph is an immutable adjacency structure built from the active
// subset of a playbook's nodes. It is rebuilt fresh for every run and is safe
// for concurrent read access.
//
// Edges to inactive nodes are dropped at build time: the dependency is
// treated as already satisfied, so a node whose only dependencies are
// inactive becomes immediately ready.
type DependencyGraph struct {
	nodes map[string]*playbook.Node

	// canonical node order: ascending ExecutionOrder, id as tie-breaker
	order []string

	// active-only edges
	deps       map[string][]string
	dependents map[string][]string
}

// Build constructs a DependencyGraph from a flat node list. Inactive nodes
// are invisible to all graph queries.
func Build(nodes []playbook.Node) *DependencyGraph {
	g := &DependencyGraph{
		nodes:      make(map[string]*playbook.Node),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	for i := range nodes {
		if !nodes[i].IsActive {
			continue
		}
		n := nodes[i]
		// First occurrence wins on a duplicate id; a second entry in the
		// order slice would make Kahn peeling misreport the graph as cyclic.
		if _, seen := g.nodes[n.ID]; seen {
			continue
		}
		g.nodes[n.ID] = &n
		g.order = append(g.order, n.ID)
	}

	sort.Slice(g.order, func(i, j int) bool {
		a, b := g.nodes[g.order[i]], g.nodes[g.order[j]]
		if a.ExecutionOrder != b.ExecutionOrder {
			return a.ExecutionOrder < b.ExecutionOrder
		}
		return a.ID < b.ID
	})

	// Materialize an edge only when both ends are active.
	for _, id := range g.order {
		node := g.nodes[id]
		for _, depID := range node.DependsOn {
			if _, active := g.nodes[depID]; !active {
				continue
			}
			g.deps[id] = append(g.deps[id], depID)
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	return g
}

// NodeCount returns the number of active nodes in the graph.
func (g *DependencyGraph) NodeCount() int {
	return len(g.nodes)
}

// GetNode returns an active node by id.
func (g *DependencyGraph) GetNode(id string) (*playbook.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// GetDependencies returns the active dependencies of a node. Unknown or
// dependency-free nodes return an empty slice, never an error.
func (g *DependencyGraph) GetDependencies(id string) []string {
	deps := g.deps[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// GetDependents returns the active nodes that depend on the given node.
// Unknown nodes return an empty slice, never an error.
func (g *DependencyGraph) GetDependents(id string) []string {
	deps := g.dependents[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// TopologicalOrder returns all active nodes in an order respecting DependsOn,
// using Kahn's algorithm. A cycle of any length, including a self-loop,
// fails with a CIRCULAR_DEPENDENCY error.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	indeg := g.inDegrees()

	// Seed queue in canonical order for deterministic output.
	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	out := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)

		for _, dep := range g.sortedDependents(id) {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(out) != len(g.nodes) {
		return nil, playbook.NewCircularDependencyError("planning", g.unprocessed(out))
	}
	return out, nil
}

// IsValid reports whether the graph is acyclic. It never returns an error.
func (g *DependencyGraph) IsValid() bool {
	_, err := g.TopologicalOrder()
	return err == nil
}

// inDegrees counts incoming active edges per node.
func (g *DependencyGraph) inDegrees() map[string]int {
	indeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.deps[id])
	}
	return indeg
}

// sortedDependents returns a node's dependents in canonical order.
func (g *DependencyGraph) sortedDependents(id string) []string {
	deps := g.GetDependents(id)
	sort.Slice(deps, func(i, j int) bool {
		a, b := g.nodes[deps[i]], g.nodes[deps[j]]
		if a.ExecutionOrder != b.ExecutionOrder {
			return a.ExecutionOrder < b.ExecutionOrder
		}
		return a.ID < b.ID
	})
	return deps
}

// unprocessed returns the node ids not reached by the Kahn peeling, i.e. the
// ones involved in (or downstream of) a cycle.
func (g *DependencyGraph) unprocessed(done []string) []string {
	seen := make(map[string]bool, len(done))
	for _, id := range done {
		seen[id] = true
	}
	var left []string
	for _, id := range g.order {
		if !seen[id] {
			left = append(left, id)
		}
	}
	return left
}
