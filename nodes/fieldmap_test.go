package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/types"
)

func TestFieldMapRename(t *testing.T) {
	in := engine.NewSliceStream([]types.Record{{"NAME": "bergen", "POP": 285000}})
	out, err := NewFieldMap().OpenStream(context.Background(), in, map[string]any{
		"rename": map[string]any{"NAME": "name", "POP": "population"},
	})
	require.NoError(t, err)

	recs := drain(t, out)
	require.Len(t, recs, 1)
	assert.Equal(t, "bergen", recs[0]["name"])
	assert.Equal(t, 285000, recs[0]["population"])
	assert.NotContains(t, recs[0], "NAME")
}

func TestFieldMapDropAndDefaults(t *testing.T) {
	in := engine.NewSliceStream([]types.Record{
		{"name": "bergen", "internal_id": 7},
		{"name": "chester", "internal_id": 8, "country": "gb"},
	})
	out, err := NewFieldMap().OpenStream(context.Background(), in, map[string]any{
		"drop":     []any{"internal_id"},
		"defaults": map[string]any{"country": "unknown"},
	})
	require.NoError(t, err)

	recs := drain(t, out)
	require.Len(t, recs, 2)
	assert.NotContains(t, recs[0], "internal_id")
	assert.Equal(t, "unknown", recs[0]["country"])
	assert.Equal(t, "gb", recs[1]["country"], "defaults never overwrite present fields")
}

func TestFieldMapDoesNotMutateUpstream(t *testing.T) {
	source := []types.Record{{"NAME": "bergen"}}
	out, err := NewFieldMap().OpenStream(context.Background(), engine.NewSliceStream(source), map[string]any{
		"rename": map[string]any{"NAME": "name"},
	})
	require.NoError(t, err)
	drain(t, out)

	assert.Equal(t, types.Record{"NAME": "bergen"}, source[0])
}

func TestFieldMapRejectsEmptyConfig(t *testing.T) {
	_, err := NewFieldMap().OpenStream(context.Background(), engine.NewSliceStream(nil), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of")

	_, err = NewFieldMap().OpenStream(context.Background(), engine.NewSliceStream(nil), map[string]any{
		"rename": map[string]any{"old": ""},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rename target")
}
