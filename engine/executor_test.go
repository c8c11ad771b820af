package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/geoflow/types"
)

func testPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.InitialDelay = 5 * time.Millisecond
	p.MaxDelay = 50 * time.Millisecond
	p.JitterFactor = 0
	return p
}

func newTestExecutor(t *testing.T) (*ResilientExecutor, *BreakerRegistry) {
	breakers := NewBreakerRegistry(testBreakerConfig(), nil, zaptest.NewLogger(t))
	return NewResilientExecutor(breakers, nil, zaptest.NewLogger(t)), breakers
}

func execRequest(invoke func(ctx context.Context) (any, error)) ExecuteRequest {
	return ExecuteRequest{
		Node:        types.NodeDefinition{ID: "n1", Type: "wfs.fetch"},
		Policy:      testPolicy(),
		Timeout:     time.Second,
		Restartable: true,
		Invoke:      invoke,
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	exec, _ := newTestExecutor(t)

	out, attempts, err := exec.Execute(context.Background(), execRequest(
		func(ctx context.Context) (any, error) {
			return []types.Record{{"id": 1}}, nil
		}))

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, []types.Record{{"id": 1}}, out)
}

// A persistently transient failure with MaxAttempts=3 invokes exactly three
// times and surfaces a categorized terminal error.
func TestExecuteRetriesExactlyMaxAttempts(t *testing.T) {
	exec, _ := newTestExecutor(t)

	calls := 0
	_, attempts, err := exec.Execute(context.Background(), execRequest(
		func(ctx context.Context) (any, error) {
			calls++
			return nil, errors.New("connection refused")
		}))

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)

	var werr *types.WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, types.CategoryTransient, werr.Category)
	assert.Equal(t, 3, werr.Attempts)
	assert.NotZero(t, werr.Snapshot.CapturedAt)
}

func TestExecuteRecoversAfterTransientFailure(t *testing.T) {
	exec, _ := newTestExecutor(t)

	calls := 0
	out, attempts, err := exec.Execute(context.Background(), execRequest(
		func(ctx context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("timed out waiting for upstream")
			}
			return "ok", nil
		}))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "ok", out)
}

// Non-retryable categories fail terminally on the first attempt.
func TestExecuteDataErrorNoRetry(t *testing.T) {
	exec, _ := newTestExecutor(t)

	calls := 0
	_, attempts, err := exec.Execute(context.Background(), execRequest(
		func(ctx context.Context) (any, error) {
			calls++
			return nil, errors.New("cannot parse feature collection")
		}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)

	var werr *types.WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, types.CategoryData, werr.Category)
}

// A consumed live stream cannot be replayed, so even a retryable failure is
// terminal after one attempt.
func TestExecuteNonRestartableSingleAttempt(t *testing.T) {
	exec, _ := newTestExecutor(t)

	calls := 0
	req := execRequest(func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("connection reset by peer")
	})
	req.Restartable = false

	_, attempts, err := exec.Execute(context.Background(), req)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)

	var werr *types.WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, types.CategoryTransient, werr.Category)
}

func TestExecuteRejectedByOpenBreaker(t *testing.T) {
	exec, breakers := newTestExecutor(t)

	now := time.Now()
	for i := 0; i < 5; i++ {
		breakers.RecordFailure("wfs.fetch", now)
	}

	calls := 0
	_, attempts, err := exec.Execute(context.Background(), execRequest(
		func(ctx context.Context) (any, error) {
			calls++
			return "never", nil
		}))

	assert.Zero(t, calls, "open circuit must reject without invoking")
	assert.Zero(t, attempts)

	var werr *types.WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, types.CategoryExternal, werr.Category)
	assert.True(t, IsCircuitOpen(err))
}

func TestExecuteAttemptTimeout(t *testing.T) {
	exec, _ := newTestExecutor(t)

	req := execRequest(func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "too late", nil
		}
	})
	req.Timeout = 10 * time.Millisecond
	req.Policy = req.Policy.WithMaxAttempts(2)

	_, attempts, err := exec.Execute(context.Background(), req)

	assert.Equal(t, 2, attempts)

	var werr *types.WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, types.CategoryTransient, werr.Category)
}

// Cancellation during a backoff wait aborts immediately with the context
// error, never a WorkflowError.
func TestExecuteCancelledDuringBackoff(t *testing.T) {
	exec, _ := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())

	req := execRequest(func(ctx context.Context) (any, error) {
		return nil, errors.New("temporarily unavailable")
	})
	req.Policy.InitialDelay = 10 * time.Second
	req.Policy.Backoff = BackoffConstant

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, attempts, err := exec.Execute(ctx, req)

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second, "cancellation must interrupt the wait")
}

// Cancelling a run while its node execution is the admitted half-open trial
// must release the trial slot; otherwise the breaker rejects every later
// execution of that node type until a manual reset.
func TestExecuteCancelledDuringHalfOpenTrial(t *testing.T) {
	cfg := BreakerConfig{Enabled: true, FailureThreshold: 1, Timeout: 0}
	breakers := NewBreakerRegistry(cfg, nil, zaptest.NewLogger(t))
	exec := NewResilientExecutor(breakers, nil, zaptest.NewLogger(t))

	// Open the circuit; timeout 0 means the next Allow is the trial.
	breakers.RecordFailure("wfs.fetch", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()

	_, _, err := exec.Execute(ctx, execRequest(
		func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	require.ErrorIs(t, err, context.Canceled)

	snap, ok := breakers.Snapshot("wfs.fetch")
	require.True(t, ok)
	assert.Equal(t, CircuitHalfOpen, snap.State)

	// The next execution is admitted as a fresh trial and closes the circuit.
	out, attempts, err := exec.Execute(context.Background(), execRequest(
		func(ctx context.Context) (any, error) {
			return "recovered", nil
		}))
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "recovered", out)

	snap, _ = breakers.Snapshot("wfs.fetch")
	assert.Equal(t, CircuitClosed, snap.State)
}

type retryObserver struct {
	delays     []time.Duration
	categories []types.ErrorCategory
}

func (o *retryObserver) RunStarted(string)                                   {}
func (o *retryObserver) RunCompleted(string, types.RunStatus, time.Duration) {}
func (o *retryObserver) NodeCompleted(string, types.NodeRunStatus, time.Duration) {
}
func (o *retryObserver) RetryScheduled(nodeType string, category types.ErrorCategory, delay time.Duration) {
	o.delays = append(o.delays, delay)
	o.categories = append(o.categories, category)
}

// Exponential backoff doubles between attempts: with a deterministic policy
// the two scheduled delays are initialDelay and 2x initialDelay.
func TestExecuteBackoffProgression(t *testing.T) {
	obs := &retryObserver{}
	breakers := NewBreakerRegistry(testBreakerConfig(), nil, zaptest.NewLogger(t))
	exec := NewResilientExecutor(breakers, obs, zaptest.NewLogger(t))

	_, _, err := exec.Execute(context.Background(), execRequest(
		func(ctx context.Context) (any, error) {
			return nil, errors.New("service unavailable")
		}))
	require.Error(t, err)

	require.Len(t, obs.delays, 2)
	assert.Equal(t, 5*time.Millisecond, obs.delays[0])
	assert.Equal(t, 10*time.Millisecond, obs.delays[1])
	assert.Equal(t, types.CategoryExternal, obs.categories[0])
}
