package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/geoflow/deadletter"
	"github.com/BaSui01/geoflow/types"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	s := New(db, zaptest.NewLogger(t))
	require.NoError(t, s.AutoMigrate())
	return s
}

func sampleDefinition(version int) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:      "parcels-daily",
		Name:    "Parcels daily sync",
		Version: version,
		Nodes: []types.NodeDefinition{
			{ID: "fetch", Type: "http.source", Parameters: map[string]any{"url": "http://wfs.example/parcels"}},
			{ID: "load", Type: "database.sink"},
		},
		Edges: []types.Edge{{From: "fetch", To: "load"}},
	}
}

func TestWorkflowRepoVersioning(t *testing.T) {
	s := openTestStore(t)
	repo := s.Workflows()
	ctx := context.Background()

	require.NoError(t, repo.SaveDefinition(ctx, sampleDefinition(1)))
	require.NoError(t, repo.SaveDefinition(ctx, sampleDefinition(2)))

	// Versions are immutable.
	err := repo.SaveDefinition(ctx, sampleDefinition(1))
	assert.ErrorIs(t, err, ErrVersionExists)

	got, err := repo.GetDefinition(ctx, "parcels-daily", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "http://wfs.example/parcels", got.Nodes[0].Parameters["url"])

	// version <= 0 resolves to the latest.
	latest, err := repo.GetDefinition(ctx, "parcels-daily", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	_, err = repo.GetDefinition(ctx, "ghost", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	defs, err := repo.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, 2, defs[0].Version)
}

func TestRunRepoUpsertAndRoundTrip(t *testing.T) {
	s := openTestStore(t)
	repo := s.Runs()
	ctx := context.Background()

	def := sampleDefinition(1)
	run := types.NewWorkflowRun("run-1", def)
	run.Status = types.RunRunning
	run.StartedAt = time.Now().Truncate(time.Millisecond)
	require.NoError(t, repo.SaveRun(ctx, run))

	// Incremental saves of the same run update in place.
	run.Status = types.RunSucceeded
	now := time.Now().Truncate(time.Millisecond)
	run.CompletedAt = &now
	run.NodeRuns["fetch"].Status = types.NodeSucceeded
	run.NodeRuns["fetch"].Attempts = 2
	run.NodeRuns["fetch"].Output = []types.Record{{"gid": 7, "name": "lot 7"}}
	require.NoError(t, repo.SaveRun(ctx, run))

	got, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, got.Status)
	assert.Equal(t, 2, got.NodeRuns["fetch"].Attempts)

	// Outputs reloaded from JSON coerce back into records.
	recs, ok := types.RecordsFromAny(got.NodeRuns["fetch"].Output)
	require.True(t, ok)
	require.Len(t, recs, 1)
	assert.Equal(t, "lot 7", recs[0]["name"])

	_, err = repo.GetRun(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunRepoList(t *testing.T) {
	s := openTestStore(t)
	repo := s.Runs()
	ctx := context.Background()
	def := sampleDefinition(1)

	base := time.Now()
	for i, status := range []types.RunStatus{types.RunSucceeded, types.RunFailed, types.RunSucceeded} {
		run := types.NewWorkflowRun(string(rune('a'+i)), def)
		run.Status = status
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.SaveRun(ctx, run))
	}

	all, err := repo.ListRuns(ctx, RunFilter{WorkflowID: "parcels-daily"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	failed, err := repo.ListRuns(ctx, RunFilter{Status: types.RunFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)

	limited, err := repo.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].ID)
}

func sampleEntry(id string, category types.ErrorCategory, status deadletter.EntryStatus) *deadletter.FailedWorkflow {
	def := sampleDefinition(1)
	run := types.NewWorkflowRun("run-"+id, def)
	entry := deadletter.NewEntry(id, run, "fetch", &types.WorkflowError{
		Category:     category,
		Message:      "503 service unavailable",
		NodeType:     "http.source",
		Attempts:     3,
		InputExcerpt: "…",
		Snapshot:     types.CaptureSnapshot(2),
	})
	entry.Status = status
	return entry
}

func TestDeadLetterRepoCRUD(t *testing.T) {
	s := openTestStore(t)
	repo := s.DeadLetters()
	ctx := context.Background()

	entry := sampleEntry("e-1", types.CategoryExternal, deadletter.StatusPending)
	require.NoError(t, repo.Save(ctx, entry))

	got, err := repo.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, deadletter.StatusPending, got.Status)
	assert.Equal(t, entry.Fingerprint, got.Fingerprint)
	assert.Equal(t, 3, got.Attempts)
	assert.NotZero(t, got.Snapshot.CapturedAt)

	// Full update round-trips triage state and retry history.
	got.Status = deadletter.StatusResolved
	got.AssignedTo = "gis-oncall"
	got.RetryCount = 1
	got.RetryHistory = []deadletter.RetryAttempt{{
		RunID:   "retry-1",
		Point:   deadletter.RetryFromFailedNode,
		Outcome: types.RunSucceeded,
	}}
	got.Notes = append(got.Notes, "resolved by retry run retry-1")
	require.NoError(t, repo.Update(ctx, got))

	after, err := repo.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, deadletter.StatusResolved, after.Status)
	assert.Equal(t, "gis-oncall", after.AssignedTo)
	require.Len(t, after.RetryHistory, 1)
	assert.Equal(t, types.RunSucceeded, after.RetryHistory[0].Outcome)
	assert.Contains(t, after.Notes, "resolved by retry run retry-1")

	_, err = repo.Get(ctx, "ghost")
	assert.ErrorIs(t, err, deadletter.ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, sampleEntry("ghost", types.CategoryData, deadletter.StatusPending)), deadletter.ErrNotFound)
}

func TestDeadLetterRepoListAndStats(t *testing.T) {
	s := openTestStore(t)
	repo := s.DeadLetters()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleEntry("e-1", types.CategoryExternal, deadletter.StatusPending)))
	require.NoError(t, repo.Save(ctx, sampleEntry("e-2", types.CategoryExternal, deadletter.StatusResolved)))
	require.NoError(t, repo.Save(ctx, sampleEntry("e-3", types.CategoryData, deadletter.StatusPending)))

	pending, err := repo.List(ctx, deadletter.Filter{Status: deadletter.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	external, err := repo.List(ctx, deadletter.Filter{Category: types.CategoryExternal})
	require.NoError(t, err)
	assert.Len(t, external, 2)

	byFingerprint, err := repo.List(ctx, deadletter.Filter{Fingerprint: pending[0].Fingerprint})
	require.NoError(t, err)
	assert.NotEmpty(t, byFingerprint)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[deadletter.StatusPending])
	assert.Equal(t, int64(1), stats.ByStatus[deadletter.StatusResolved])
	assert.Equal(t, int64(1), stats.ByCategory[types.CategoryData])
	assert.Equal(t, int64(3), stats.ByNodeType["http.source"])
}
