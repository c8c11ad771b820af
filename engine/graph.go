package engine

import (
	"fmt"
	"sort"

	"github.com/BaSui01/geoflow/types"
)

// Plan is the validated dependency index of a workflow definition. It is
// computed once per run start; readiness decisions during scheduling only
// consult the precomputed predecessor/successor maps.
type Plan struct {
	def   *types.WorkflowDefinition
	preds map[string][]string
	succs map[string][]string
	order []string
}

// Analyze validates the definition and builds its execution plan. It fails
// with a *types.GraphError on duplicate node ids, edges referencing unknown
// nodes, or a cycle, before any node executes.
func Analyze(def *types.WorkflowDefinition) (*Plan, error) {
	if len(def.Nodes) == 0 {
		return nil, &types.GraphError{WorkflowID: def.ID, Reason: "definition has no nodes"}
	}

	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return nil, &types.GraphError{WorkflowID: def.ID, Reason: "node with empty id"}
		}
		if seen[n.ID] {
			return nil, &types.GraphError{WorkflowID: def.ID, Reason: fmt.Sprintf("duplicate node id: %s", n.ID)}
		}
		seen[n.ID] = true
	}

	p := &Plan{
		def:   def,
		preds: make(map[string][]string, len(def.Nodes)),
		succs: make(map[string][]string, len(def.Nodes)),
	}
	for _, e := range def.Edges {
		if !seen[e.From] {
			return nil, &types.GraphError{WorkflowID: def.ID, Reason: fmt.Sprintf("edge references unknown source node: %s", e.From)}
		}
		if !seen[e.To] {
			return nil, &types.GraphError{WorkflowID: def.ID, Reason: fmt.Sprintf("edge references unknown target node: %s", e.To)}
		}
		p.preds[e.To] = append(p.preds[e.To], e.From)
		p.succs[e.From] = append(p.succs[e.From], e.To)
	}

	order, err := p.topoSort()
	if err != nil {
		return nil, err
	}
	p.order = order

	return p, nil
}

// topoSort runs Kahn's in-degree reduction over the graph. A non-empty
// remainder after the queue drains means a cycle.
func (p *Plan) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(p.def.Nodes))
	for _, n := range p.def.Nodes {
		indegree[n.ID] = len(p.preds[n.ID])
	}

	// Deterministic ordering keeps plans and failure messages stable.
	var queue []string
	for _, n := range p.def.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(p.def.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		next := append([]string(nil), p.succs[id]...)
		sort.Strings(next)
		for _, succ := range next {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(p.def.Nodes) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &types.GraphError{
			WorkflowID: p.def.ID,
			Reason:     fmt.Sprintf("cycle detected involving nodes %v", stuck),
		}
	}
	return order, nil
}

// Definition returns the analyzed workflow definition.
func (p *Plan) Definition() *types.WorkflowDefinition {
	return p.def
}

// Predecessors returns the direct dependencies of a node.
func (p *Plan) Predecessors(id string) []string {
	return p.preds[id]
}

// Successors returns the direct dependents of a node.
func (p *Plan) Successors(id string) []string {
	return p.succs[id]
}

// Order returns a valid topological order of all nodes.
func (p *Plan) Order() []string {
	return p.order
}

// Ready returns the nodes whose status is Pending and whose predecessors
// have all Succeeded, in topological order.
func (p *Plan) Ready(status func(id string) types.NodeRunStatus) []string {
	var ready []string
	for _, id := range p.order {
		if status(id) != types.NodePending {
			continue
		}
		ok := true
		for _, pred := range p.preds[id] {
			if status(pred) != types.NodeSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Descendants returns the transitive successor closure of a node, used for
// skip cascades after a terminal failure.
func (p *Plan) Descendants(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, succ := range p.succs[cur] {
			if !seen[succ] {
				seen[succ] = true
				walk(succ)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, nodeID := range p.order {
		if seen[nodeID] {
			out = append(out, nodeID)
		}
	}
	return out
}

// Ancestors returns the transitive predecessor closure of a node, used when
// a dead-letter retry must re-execute upstream producers whose outputs were
// not retained.
func (p *Plan) Ancestors(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, pred := range p.preds[cur] {
			if !seen[pred] {
				seen[pred] = true
				walk(pred)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, nodeID := range p.order {
		if seen[nodeID] {
			out = append(out, nodeID)
		}
	}
	return out
}
