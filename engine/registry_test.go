package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/geoflow/types"
)

type passthroughBatch struct{ BatchBase }

func (passthroughBatch) ExecuteBatch(_ context.Context, input []types.Record, _ map[string]any) ([]types.Record, error) {
	return input, nil
}

type passthroughStream struct{ StreamBase }

func (passthroughStream) OpenStream(_ context.Context, input Stream, _ map[string]any) (Stream, error) {
	return input, nil
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register("noop", func() (Executor, error) { return passthroughBatch{}, nil })
	r.Register("relay", func() (Executor, error) { return passthroughStream{}, nil })

	exec, err := r.Resolve("noop")
	require.NoError(t, err)
	_, isBatch := exec.(BatchExecutor)
	assert.True(t, isBatch)

	exec, err = r.Resolve("relay")
	require.NoError(t, err)
	_, isStreaming := exec.(StreamingExecutor)
	assert.True(t, isStreaming)

	_, err = r.Resolve("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")

	assert.True(t, r.Has("noop"))
	assert.False(t, r.Has("ghost"))
	assert.Equal(t, []string{"noop", "relay"}, r.Types())
}

// Unknown node types are rejected at workflow load, before any node runs.
func TestRegistryValidateDefinition(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register("noop", func() (Executor, error) { return passthroughBatch{}, nil })

	ok := defWith([]string{"a", "b"}, []types.Edge{{From: "a", To: "b"}})
	assert.NoError(t, r.ValidateDefinition(ok))

	bad := &types.WorkflowDefinition{
		ID: "wf",
		Nodes: []types.NodeDefinition{
			{ID: "a", Type: "noop"},
			{ID: "b", Type: "ghost"},
		},
	}
	err := r.ValidateDefinition(bad)
	require.Error(t, err)

	var gerr *types.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Contains(t, gerr.Reason, "unregistered type")
}
