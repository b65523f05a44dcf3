package engine

import (
	"fmt"
	"strings"
)

// planGraph is the dependency index the orchestrator executes against.
// It is built once per run from a validated CreationPlan.
type planGraph struct {
	// order holds node IDs in plan (topological) order.
	order []string

	// dependents maps a node ID to the IDs that depend on it.
	dependents map[string][]string

	// indegree tracks the number of unmet dependencies per node.
	indegree map[string]int
}

// buildPlanGraph validates the plan's dependency structure and builds the
// execution index. It rejects duplicate IDs, references to unknown nodes,
// forward references (a dependency declared after its dependent), and cycles.
func buildPlanGraph(plan *CreationPlan) (*planGraph, error) {
	g := &planGraph{
		order:      make([]string, 0, len(plan.Nodes)),
		dependents: make(map[string][]string, len(plan.Nodes)),
		indegree:   make(map[string]int, len(plan.Nodes)),
	}

	position := make(map[string]int, len(plan.Nodes))
	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		if node.ID == "" {
			return nil, NewPermanentError("plan node has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := position[node.ID]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate plan node ID: %s", node.ID), nil).
				WithCode(ErrCodeValidation)
		}
		position[node.ID] = i
		g.order = append(g.order, node.ID)
		g.indegree[node.ID] = 0
	}

	for i := range plan.Nodes {
		node := &plan.Nodes[i]
		for _, dep := range node.DependsOn {
			depPos, exists := position[dep]
			if !exists {
				return nil, NewPermanentError(
					fmt.Sprintf("node %s depends on unknown node %s", node.ID, dep), nil).
					WithCode(ErrCodeValidation).WithNode(node.ID)
			}
			// Topological-order invariant: dependencies appear strictly
			// earlier. This also rules out self-dependencies and cycles,
			// but cycles are still reported distinctly below for catalog
			// authoring bugs that bypass the resolver.
			if depPos >= i {
				return nil, NewPermanentError(
					fmt.Sprintf("node %s depends on later node %s", node.ID, dep), nil).
					WithCode(ErrCodeDependencyCycle).WithNode(node.ID)
			}
			g.dependents[dep] = append(g.dependents[dep], node.ID)
			g.indegree[node.ID]++
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles runs a DFS over the dependency edges. With the earlier
// forward-reference check this should never fire; it exists so a hand-built
// plan gets the dedicated cycle error instead of a generic validation one.
func (g *planGraph) detectCycles() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.order))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		state[id] = visiting
		path = append(path, id)
		for _, dep := range g.dependents[id] {
			switch state[dep] {
			case visiting:
				return NewPermanentError(
					fmt.Sprintf("dependency cycle: %s", strings.Join(append(path, dep), " -> ")), nil).
					WithCode(ErrCodeDependencyCycle)
			case unvisited:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ready returns the node IDs with no unmet dependencies, in plan order.
func (g *planGraph) ready() []string {
	out := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if g.indegree[id] == 0 {
			out = append(out, id)
		}
	}
	return out
}

// release marks a node's dependency edges satisfied and returns the
// dependents that became ready, in plan order.
func (g *planGraph) release(id string) []string {
	newly := make([]string, 0, len(g.dependents[id]))
	for _, dep := range g.dependents[id] {
		g.indegree[dep]--
		if g.indegree[dep] == 0 {
			newly = append(newly, dep)
		}
	}
	return newly
}

// transitiveDependents returns every node reachable from id along dependency
// edges, in plan order. Used to skip the whole branch under a failed node.
func (g *planGraph) transitiveDependents(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, dep := range g.dependents[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}
