package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/geoflow/api"
	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/store"
	"github.com/BaSui01/geoflow/types"
)

type echoNode struct {
	engine.BatchBase
}

func (echoNode) ExecuteBatch(_ context.Context, input []types.Record, params map[string]any) ([]types.Record, error) {
	if rows, ok := params["rows"].(float64); ok {
		out := make([]types.Record, int(rows))
		for i := range out {
			out[i] = types.Record{"seq": i}
		}
		return out, nil
	}
	return input, nil
}

type testEnv struct {
	mux   *http.ServeMux
	store *store.MemoryStore
	eng   *engine.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	registry := engine.NewRegistry(logger)
	registry.Register("test.echo", func() (engine.Executor, error) { return echoNode{}, nil })

	mem := store.NewMemoryStore()
	eng, err := engine.New(engine.DefaultConfig(), engine.Options{
		Registry: registry,
		RunStore: mem,
		Logger:   logger,
	})
	require.NoError(t, err)

	wf := NewWorkflowHandler(mem, eng, registry, logger)
	runs := NewRunsHandler(mem, eng, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/workflows", wf.HandleSave)
	mux.HandleFunc("GET /api/v1/workflows", wf.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", wf.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/{id}/run", wf.HandleRun)
	mux.HandleFunc("GET /api/v1/runs", runs.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", runs.HandleGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", runs.HandleCancel)

	return &testEnv{mux: mux, store: mem, eng: eng}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	var resp Response
	raw := rec.Body.Bytes()
	require.NoError(t, json.Unmarshal(raw, &resp))
	if data != nil && resp.Data != nil {
		blob, err := json.Marshal(resp.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(blob, data))
	}
	return resp
}

func linearDef(id string, version int) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:      id,
		Name:    "test pipeline",
		Version: version,
		Nodes: []types.NodeDefinition{
			{ID: "src", Type: "test.echo", Parameters: map[string]any{"rows": 3}},
			{ID: "sink", Type: "test.echo"},
		},
		Edges: []types.Edge{{From: "src", To: "sink"}},
	}
}

func TestWorkflowSaveAndGet(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/workflows", linearDef("city-import", 1))
	require.Equal(t, http.StatusCreated, rec.Code)

	var summary api.WorkflowSummary
	resp := decodeEnvelope(t, rec, &summary)
	assert.True(t, resp.Success)
	assert.Equal(t, "city-import", summary.ID)
	assert.Equal(t, 2, summary.Nodes)

	rec = env.do(t, http.MethodGet, "/api/v1/workflows/city-import", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var def types.WorkflowDefinition
	decodeEnvelope(t, rec, &def)
	assert.Equal(t, 1, def.Version)
	assert.Len(t, def.Edges, 1)
}

func TestWorkflowSaveRejectsDuplicateVersion(t *testing.T) {
	env := newTestEnv(t)

	require.Equal(t, http.StatusCreated,
		env.do(t, http.MethodPost, "/api/v1/workflows", linearDef("w", 1)).Code)
	rec := env.do(t, http.MethodPost, "/api/v1/workflows", linearDef("w", 1))
	assert.Equal(t, http.StatusConflict, rec.Code)

	resp := decodeEnvelope(t, rec, nil)
	assert.Equal(t, "VERSION_EXISTS", resp.Error.Code)
}

func TestWorkflowSaveRejectsInvalidGraph(t *testing.T) {
	env := newTestEnv(t)

	def := linearDef("w", 1)
	def.Edges = append(def.Edges, types.Edge{From: "sink", To: "src"}) // cycle
	rec := env.do(t, http.MethodPost, "/api/v1/workflows", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_WORKFLOW", decodeEnvelope(t, rec, nil).Error.Code)
}

func TestWorkflowSaveRejectsUnregisteredType(t *testing.T) {
	env := newTestEnv(t)

	def := linearDef("w", 1)
	def.Nodes[0].Type = "no.such.node"
	rec := env.do(t, http.MethodPost, "/api/v1/workflows", def)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowList(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/workflows", linearDef("a", 1))
	env.do(t, http.MethodPost, "/api/v1/workflows", linearDef("a", 2))
	env.do(t, http.MethodPost, "/api/v1/workflows", linearDef("b", 1))

	rec := env.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []api.WorkflowSummary
	decodeEnvelope(t, rec, &list)
	require.Len(t, list, 2, "one summary per workflow id, latest version")
	for _, s := range list {
		if s.ID == "a" {
			assert.Equal(t, 2, s.Version)
		}
	}
}

func TestWorkflowGetMissing(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/workflows/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeEnvelope(t, rec, nil).Error.Code)
}

func TestWorkflowRunReturnsTerminalRun(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/workflows", linearDef("city-import", 1))

	rec := env.do(t, http.MethodPost, "/api/v1/workflows/city-import/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var run types.WorkflowRun
	decodeEnvelope(t, rec, &run)
	assert.Equal(t, types.RunSucceeded, run.Status)
	assert.Equal(t, types.NodeSucceeded, run.NodeRuns["sink"].Status)

	// The run is persisted and queryable afterwards.
	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunsListAndCancel(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/v1/workflows", linearDef("city-import", 1))
	env.do(t, http.MethodPost, "/api/v1/workflows/city-import/run", nil)
	env.do(t, http.MethodPost, "/api/v1/workflows/city-import/run", nil)

	rec := env.do(t, http.MethodGet, "/api/v1/runs?workflow_id=city-import", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []api.RunSummary
	decodeEnvelope(t, rec, &list)
	assert.Len(t, list, 2)

	list = nil
	rec = env.do(t, http.MethodGet, "/api/v1/runs?status=failed", nil)
	decodeEnvelope(t, rec, &list)
	assert.Empty(t, list)

	// Terminal runs are not cancellable.
	rec = env.do(t, http.MethodPost, "/api/v1/runs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
