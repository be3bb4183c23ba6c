package graph

import (
	"fmt"

	playbook "github.com/parchmint/playbook-engine"
)

// ExecutionBatches derives rounds of mutually independent, ready-to-run
// nodes by iterative Kahn peeling: batch k contains exactly the nodes whose
// remaining in-degree reaches zero after removing batches 0..k-1.
//
// Every active node lands in exactly one batch. Nodes within a batch are
// independent of each other and sorted ascending by ExecutionOrder (id as
// tie-breaker) for deterministic output; they may still run concurrently.
//
// Zero active nodes yields an empty batch list. If peeling stalls before all
// nodes are placed, the graph has a cycle and a CIRCULAR_DEPENDENCY error is
// returned.
func (g *DependencyGraph) ExecutionBatches() ([][]string, error) {
	if len(g.nodes) == 0 {
		return [][]string{}, nil
	}

	indeg := g.inDegrees()
	var batches [][]string

	// Canonical order keeps each batch sorted without a second pass.
	remaining := make([]string, len(g.order))
	copy(remaining, g.order)

	for len(remaining) > 0 {
		var batch []string
		var next []string
		for _, id := range remaining {
			if indeg[id] == 0 {
				batch = append(batch, id)
			} else {
				next = append(next, id)
			}
		}

		if len(batch) == 0 {
			// No zero-in-degree node left: everything remaining sits on a cycle.
			return nil, playbook.NewCircularDependencyError("planning", next)
		}

		for _, id := range batch {
			for _, dep := range g.dependents[id] {
				indeg[dep]--
			}
		}

		batches = append(batches, batch)
		remaining = next
	}

	return batches, nil
}

// Planner adapts the graph package to the engine's Scheduler contract.
type Planner struct{}

// NewPlanner creates a batch planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// PlanBatches builds a fresh graph from the node list and derives execution
// batches plus the active dependency edges the coordinator needs for the
// dependency-skip rule.
func (p *Planner) PlanBatches(nodes []playbook.Node) (*playbook.RunPlan, error) {
	// Playbooks normally arrive through the file loader, which rejects
	// duplicate ids; in-memory playbooks get the same check here.
	seen := make(map[string]bool, len(nodes))
	for i := range nodes {
		if seen[nodes[i].ID] {
			return nil, playbook.NewValidationError("planning",
				fmt.Sprintf("duplicate node id: %s", nodes[i].ID), nil)
		}
		seen[nodes[i].ID] = true
	}

	g := Build(nodes)

	batches, err := g.ExecutionBatches()
	if err != nil {
		return nil, err
	}

	plan := &playbook.RunPlan{
		Batches:    batches,
		ActiveDeps: make(map[string][]string, g.NodeCount()),
		NodeByID:   make(map[string]*playbook.Node, g.NodeCount()),
	}
	for _, batch := range batches {
		for _, id := range batch {
			node, _ := g.GetNode(id)
			plan.NodeByID[id] = node
			plan.ActiveDeps[id] = g.GetDependencies(id)
		}
	}
	return plan, nil
}
