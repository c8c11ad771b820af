package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/geoflow/types"
)

func defWith(nodes []string, edges []types.Edge) *types.WorkflowDefinition {
	def := &types.WorkflowDefinition{ID: "wf", Name: "wf", Version: 1, Edges: edges}
	for _, id := range nodes {
		def.Nodes = append(def.Nodes, types.NodeDefinition{ID: id, Type: "noop"})
	}
	return def
}

func TestAnalyzeRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name   string
		def    *types.WorkflowDefinition
		reason string
	}{
		{
			name:   "empty graph",
			def:    defWith(nil, nil),
			reason: "no nodes",
		},
		{
			name:   "duplicate node id",
			def:    defWith([]string{"a", "a"}, nil),
			reason: "duplicate",
		},
		{
			name:   "edge references unknown source",
			def:    defWith([]string{"a"}, []types.Edge{{From: "ghost", To: "a"}}),
			reason: "unknown",
		},
		{
			name:   "edge references unknown target",
			def:    defWith([]string{"a"}, []types.Edge{{From: "a", To: "ghost"}}),
			reason: "unknown",
		},
		{
			name: "two node cycle",
			def: defWith([]string{"a", "b"}, []types.Edge{
				{From: "a", To: "b"},
				{From: "b", To: "a"},
			}),
			reason: "cycle",
		},
		{
			name: "self loop",
			def: defWith([]string{"a"}, []types.Edge{
				{From: "a", To: "a"},
			}),
			reason: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Analyze(tt.def)
			require.Error(t, err)
			assert.Nil(t, plan)

			var gerr *types.GraphError
			require.ErrorAs(t, err, &gerr)
			assert.Contains(t, gerr.Reason, tt.reason)
		})
	}
}

func TestAnalyzeTopologicalOrder(t *testing.T) {
	def := defWith(
		[]string{"d", "c", "b", "a"},
		[]types.Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	)

	plan, err := Analyze(def)
	require.NoError(t, err)

	order := plan.Order()
	require.Len(t, order, 4)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range def.Edges {
		assert.Less(t, pos[e.From], pos[e.To], "edge %s->%s violated", e.From, e.To)
	}
	// Ties break deterministically by node id.
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestPlanNeighbors(t *testing.T) {
	def := defWith(
		[]string{"a", "b", "c", "d"},
		[]types.Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	)
	plan, err := Analyze(def)
	require.NoError(t, err)

	assert.Empty(t, plan.Predecessors("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, plan.Successors("a"))
	assert.ElementsMatch(t, []string{"b", "c"}, plan.Predecessors("d"))
	assert.ElementsMatch(t, []string{"b", "c", "d"}, plan.Descendants("a"))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, plan.Ancestors("d"))
	assert.Empty(t, plan.Descendants("d"))
	assert.Empty(t, plan.Ancestors("a"))
}

func TestPlanReady(t *testing.T) {
	def := defWith(
		[]string{"a", "b", "c", "d"},
		[]types.Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "d"},
			{From: "c", To: "d"},
		},
	)
	plan, err := Analyze(def)
	require.NoError(t, err)

	statuses := map[string]types.NodeRunStatus{
		"a": types.NodePending, "b": types.NodePending,
		"c": types.NodePending, "d": types.NodePending,
	}
	status := func(id string) types.NodeRunStatus { return statuses[id] }

	assert.Equal(t, []string{"a"}, plan.Ready(status))

	statuses["a"] = types.NodeSucceeded
	assert.Equal(t, []string{"b", "c"}, plan.Ready(status))

	statuses["b"] = types.NodeRunning
	assert.Equal(t, []string{"c"}, plan.Ready(status))

	// d waits for both predecessors.
	statuses["b"] = types.NodeSucceeded
	statuses["c"] = types.NodeRunning
	assert.Empty(t, plan.Ready(status))

	statuses["c"] = types.NodeSucceeded
	assert.Equal(t, []string{"d"}, plan.Ready(status))

	// A skipped predecessor never unblocks its successors.
	statuses["c"] = types.NodeSkipped
	assert.Empty(t, plan.Ready(status))
}
