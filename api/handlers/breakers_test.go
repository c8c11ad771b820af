package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/geoflow/api"
	"github.com/BaSui01/geoflow/engine"
)

func newBreakerEnv(t *testing.T) (*testEnv, *engine.BreakerRegistry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := engine.NewBreakerRegistry(engine.BreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		Timeout:          time.Minute,
	}, nil, logger)

	env := newTestEnv(t)
	h := NewBreakerHandler(registry, logger)
	env.mux.HandleFunc("GET /api/v1/breakers", h.HandleList)
	env.mux.HandleFunc("GET /api/v1/breakers/{node_type}", h.HandleGet)
	env.mux.HandleFunc("POST /api/v1/breakers/reset", h.HandleReset)
	return env, registry
}

func TestBreakerListAndGet(t *testing.T) {
	env, registry := newBreakerEnv(t)
	now := time.Now()
	registry.RecordFailure("http.source", now)
	registry.RecordFailure("http.source", now)
	registry.RecordSuccess("database.sink")

	rec := env.do(t, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []engine.BreakerSnapshot
	decodeEnvelope(t, rec, &snaps)
	require.Len(t, snaps, 2)
	assert.Equal(t, "database.sink", snaps[0].NodeType, "sorted by node type")

	rec = env.do(t, http.MethodGet, "/api/v1/breakers/http.source", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap engine.BreakerSnapshot
	decodeEnvelope(t, rec, &snap)
	assert.Equal(t, engine.CircuitOpen, snap.State)
	assert.Equal(t, 2, snap.ConsecutiveFailures)

	rec = env.do(t, http.MethodGet, "/api/v1/breakers/unknown.type", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakerReset(t *testing.T) {
	env, registry := newBreakerEnv(t)
	now := time.Now()
	registry.RecordFailure("http.source", now)
	registry.RecordFailure("http.source", now)

	rec := env.do(t, http.MethodPost, "/api/v1/breakers/reset",
		api.BreakerResetRequest{NodeType: "http.source"})
	require.Equal(t, http.StatusOK, rec.Code)

	snap, ok := registry.Snapshot("http.source")
	require.True(t, ok)
	assert.Equal(t, engine.CircuitClosed, snap.State)

	rec = env.do(t, http.MethodPost, "/api/v1/breakers/reset",
		api.BreakerResetRequest{NodeType: "never.seen"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 空 node_type 重置全部
	registry.RecordFailure("http.source", now)
	registry.RecordFailure("http.source", now)
	rec = env.do(t, http.MethodPost, "/api/v1/breakers/reset", api.BreakerResetRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	snap, _ = registry.Snapshot("http.source")
	assert.Equal(t, engine.CircuitClosed, snap.State)
}
