package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/geoflow/types"
)

type fakeRepo struct {
	mu      sync.Mutex
	entries map[string]*FailedWorkflow
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: make(map[string]*FailedWorkflow)}
}

func (r *fakeRepo) Save(_ context.Context, e *FailedWorkflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *fakeRepo) Update(ctx context.Context, e *FailedWorkflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	r.entries[e.ID] = &cp
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*FailedWorkflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeRepo) List(_ context.Context, filter Filter) ([]*FailedWorkflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*FailedWorkflow
	for _, e := range r.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRepo) Stats(_ context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		ByStatus:   make(map[EntryStatus]int64),
		ByCategory: make(map[types.ErrorCategory]int64),
		ByNodeType: make(map[string]int64),
	}
	for _, e := range r.entries {
		s.Total++
		s.ByStatus[e.Status]++
		s.ByCategory[e.Category]++
		s.ByNodeType[e.NodeType]++
	}
	return s, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	outcome types.RunStatus
	runErr  error
	runs    []string   // "run" or "resume:<nodeID>"
	gotDefs []*types.WorkflowDefinition
}

func (f *fakeRunner) terminal(def *types.WorkflowDefinition) *types.WorkflowRun {
	run := types.NewWorkflowRun("retry-run", def)
	run.Status = f.outcome
	run.StartedAt = time.Now()
	now := time.Now()
	run.CompletedAt = &now
	if f.outcome == types.RunFailed {
		for _, nr := range run.NodeRuns {
			nr.Status = types.NodeFailed
			nr.Error = &types.WorkflowError{Category: types.CategoryExternal, Message: "still down"}
			break
		}
	}
	return run
}

func (f *fakeRunner) Run(_ context.Context, def *types.WorkflowDefinition) (*types.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runs = append(f.runs, "run")
	f.gotDefs = append(f.gotDefs, def)
	return f.terminal(def), nil
}

func (f *fakeRunner) Resume(_ context.Context, def *types.WorkflowDefinition, _ *types.WorkflowRun, failedNodeID string) (*types.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runs = append(f.runs, "resume:"+failedNodeID)
	f.gotDefs = append(f.gotDefs, def)
	return f.terminal(def), nil
}

type fakeSources struct {
	def *types.WorkflowDefinition
	run *types.WorkflowRun
}

func (f *fakeSources) GetDefinition(_ context.Context, workflowID string, version int) (*types.WorkflowDefinition, error) {
	if f.def == nil || f.def.ID != workflowID {
		return nil, errors.New("definition not found")
	}
	return f.def, nil
}

func (f *fakeSources) GetRun(_ context.Context, runID string) (*types.WorkflowRun, error) {
	if f.run == nil || f.run.ID != runID {
		return nil, errors.New("run not found")
	}
	return f.run, nil
}

func fixtureDef() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:      "wf",
		Name:    "wf",
		Version: 1,
		Nodes: []types.NodeDefinition{
			{ID: "a", Type: "wfs.fetch", Parameters: map[string]any{"url": "http://old"}},
			{ID: "b", Type: "db.sink"},
		},
		Edges: []types.Edge{{From: "a", To: "b"}},
	}
}

func setupService(t *testing.T, outcome types.RunStatus) (*Service, *fakeRepo, *fakeRunner, *FailedWorkflow) {
	t.Helper()
	def := fixtureDef()
	priorRun := types.NewWorkflowRun("run-0", def)
	priorRun.Status = types.RunFailed

	repo := newFakeRepo()
	runner := &fakeRunner{outcome: outcome}
	sources := &fakeSources{def: def, run: priorRun}
	svc := NewService(repo, runner, sources, sources, zaptest.NewLogger(t))

	werr := &types.WorkflowError{
		Category: types.CategoryExternal,
		Message:  "503 service unavailable",
		NodeType: "wfs.fetch",
		Attempts: 3,
	}
	require.NoError(t, svc.EnqueueFailure(context.Background(), priorRun, "a", werr))

	entries, err := repo.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return svc, repo, runner, entries[0]
}

func TestEnqueueFailureCreatesPendingEntry(t *testing.T) {
	_, _, _, entry := setupService(t, types.RunSucceeded)

	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, "run-0", entry.RunID)
	assert.Equal(t, "a", entry.FailedNodeID)
	assert.Equal(t, types.CategoryExternal, entry.Category)
	assert.NotEmpty(t, entry.Fingerprint)
}

func TestRetryFromFailedNodeResolvesOnSuccess(t *testing.T) {
	svc, repo, runner, entry := setupService(t, types.RunSucceeded)

	run, err := svc.Retry(context.Background(), entry.ID, RetryFromFailedNode, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, run.Status)
	assert.Equal(t, []string{"resume:a"}, runner.runs)

	after, err := repo.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, after.Status)
	assert.Equal(t, 1, after.RetryCount)
	require.Len(t, after.RetryHistory, 1)
	assert.Equal(t, types.RunSucceeded, after.RetryHistory[0].Outcome)
	assert.Equal(t, RetryFromFailedNode, after.RetryHistory[0].Point)
}

func TestRetryFromBeginningReturnsToPendingOnFailure(t *testing.T) {
	svc, repo, runner, entry := setupService(t, types.RunFailed)

	run, err := svc.Retry(context.Background(), entry.ID, RetryFromBeginning, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, []string{"run"}, runner.runs)

	after, err := repo.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, after.Status, "a failed retry returns to the queue")
	assert.Equal(t, 1, after.RetryCount)
	require.Len(t, after.RetryHistory, 1)
	assert.Equal(t, "still down", after.RetryHistory[0].Error)
}

func TestRetryAppliesParameterOverrides(t *testing.T) {
	svc, _, runner, entry := setupService(t, types.RunSucceeded)

	_, err := svc.Retry(context.Background(), entry.ID, RetryFromBeginning, map[string]map[string]any{
		"a": {"url": "http://new"},
	})
	require.NoError(t, err)

	require.Len(t, runner.gotDefs, 1)
	got := runner.gotDefs[0]
	assert.Equal(t, "http://new", got.Nodes[0].Parameters["url"])

	// The stored definition was not mutated.
	def := fixtureDef()
	assert.Equal(t, "http://old", def.Nodes[0].Parameters["url"])
}

func TestRetryRejectsTerminalEntries(t *testing.T) {
	svc, repo, _, entry := setupService(t, types.RunSucceeded)

	_, err := svc.Retry(context.Background(), entry.ID, RetryFromBeginning, nil)
	require.NoError(t, err)

	// Entry is now Resolved; a second retry is rejected.
	_, err = svc.Retry(context.Background(), entry.ID, RetryFromBeginning, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	after, _ := repo.Get(context.Background(), entry.ID)
	assert.Equal(t, 1, after.RetryCount)
}

func TestRetryAbortRestoresStatus(t *testing.T) {
	svc, repo, runner, entry := setupService(t, types.RunSucceeded)
	runner.runErr = errors.New("definition validation failed")

	_, err := svc.Retry(context.Background(), entry.ID, RetryFromBeginning, nil)
	require.Error(t, err)

	after, _ := repo.Get(context.Background(), entry.ID)
	assert.Equal(t, StatusPending, after.Status)
	assert.Zero(t, after.RetryCount, "an aborted retry is not an attempt")
}

func TestRetryUnknownEntry(t *testing.T) {
	svc, _, _, _ := setupService(t, types.RunSucceeded)
	_, err := svc.Retry(context.Background(), "ghost", RetryFromBeginning, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBulkRetry(t *testing.T) {
	svc, repo, _, entry := setupService(t, types.RunSucceeded)

	results := svc.BulkRetry(context.Background(), []string{entry.ID, "ghost"}, RetryFromBeginning)
	require.Len(t, results, 2)
	assert.NoError(t, results[entry.ID])
	assert.ErrorIs(t, results["ghost"], ErrNotFound)

	after, _ := repo.Get(context.Background(), entry.ID)
	assert.Equal(t, StatusResolved, after.Status)
}

func TestTriageLifecycle(t *testing.T) {
	svc, repo, _, entry := setupService(t, types.RunSucceeded)
	ctx := context.Background()

	assigned, err := svc.Assign(ctx, entry.ID, "gis-oncall")
	require.NoError(t, err)
	assert.Equal(t, StatusInvestigating, assigned.Status)
	assert.Equal(t, "gis-oncall", assigned.AssignedTo)

	abandoned, err := svc.Abandon(ctx, entry.ID, "source decommissioned")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, abandoned.Status)
	assert.Contains(t, abandoned.Notes, "source decommissioned")

	// Terminal entries are frozen.
	_, err = svc.Resolve(ctx, entry.ID, "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.Assign(ctx, entry.ID, "someone")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	after, _ := repo.Get(ctx, entry.ID)
	assert.Equal(t, StatusAbandoned, after.Status)
}

func TestStats(t *testing.T) {
	svc, _, _, _ := setupService(t, types.RunSucceeded)

	// Enqueue a second, different failure.
	def := fixtureDef()
	run2 := types.NewWorkflowRun("run-2", def)
	run2.Status = types.RunFailed
	require.NoError(t, svc.EnqueueFailure(context.Background(), run2, "b", &types.WorkflowError{
		Category: types.CategoryData,
		Message:  "invalid geometry",
		NodeType: "db.sink",
	}))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[StatusPending])
	assert.Equal(t, int64(1), stats.ByCategory[types.CategoryData])
	assert.Equal(t, int64(1), stats.ByNodeType["wfs.fetch"])
}
