package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/geoflow/types"
)

// Config holds engine-level execution settings.
type Config struct {
	// MaxParallelNodes bounds concurrent node executions across all runs
	// (0 = available CPU count)
	MaxParallelNodes int `json:"max_parallel_nodes" yaml:"max_parallel_nodes"`
	// DefaultNodeTimeout bounds a single attempt when the node definition
	// does not set its own timeout
	DefaultNodeTimeout time.Duration `json:"default_node_timeout" yaml:"default_node_timeout"`
	// Retry is the default retry policy; NodeDefinition.MaxAttempts overrides
	// the attempt bound per node
	Retry RetryPolicy `json:"retry" yaml:"retry"`
	// Breaker configures the per-node-type circuit breakers
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
	// MemoryBudgetBytes caps buffered materialization per run (0 = disabled)
	MemoryBudgetBytes uint64 `json:"memory_budget_bytes" yaml:"memory_budget_bytes"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelNodes:   runtime.NumCPU(),
		DefaultNodeTimeout: 5 * time.Minute,
		Retry:              DefaultRetryPolicy(),
		Breaker:            DefaultBreakerConfig(),
	}
}

// RunStore persists run state incrementally. Writes must be idempotent
// keyed by run id so retried persistence after a transient storage failure
// never duplicates records.
type RunStore interface {
	SaveRun(ctx context.Context, run *types.WorkflowRun) error
}

// DeadLetterSink receives terminally failed runs. Cancelled runs are never
// enqueued.
type DeadLetterSink interface {
	EnqueueFailure(ctx context.Context, run *types.WorkflowRun, failedNodeID string, werr *types.WorkflowError) error
}

// Observer receives engine lifecycle events for metrics collection.
type Observer interface {
	RunStarted(workflowID string)
	RunCompleted(workflowID string, status types.RunStatus, duration time.Duration)
	NodeCompleted(nodeType string, status types.NodeRunStatus, duration time.Duration)
	RetryScheduled(nodeType string, category types.ErrorCategory, delay time.Duration)
}

// Options wires the engine's collaborators. Registry is required; every
// other field has a safe nil default.
type Options struct {
	Registry    *Registry
	Breakers    *BreakerRegistry
	RunStore    RunStore
	DeadLetters DeadLetterSink
	Observer    Observer
	Logger      *zap.Logger
}

// Engine orchestrates workflow runs: it validates the graph once per run,
// schedules ready nodes onto the resilient executor with bounded
// concurrency, streams data between nodes, updates run state, and hands
// terminal failures to the dead letter sink.
type Engine struct {
	cfg      Config
	registry *Registry
	breakers *BreakerRegistry
	exec     *ResilientExecutor
	store    RunStore
	sink     DeadLetterSink
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
	sem      *semaphore.Weighted
	waiting  atomic.Int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a workflow engine.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine requires a node registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "workflow_engine"))

	if cfg.MaxParallelNodes <= 0 {
		cfg.MaxParallelNodes = runtime.NumCPU()
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(cfg.Breaker, nil, logger)
	}
	store := opts.RunStore
	if store == nil {
		store = noopRunStore{}
	}

	return &Engine{
		cfg:      cfg,
		registry: opts.Registry,
		breakers: breakers,
		exec:     NewResilientExecutor(breakers, opts.Observer, logger),
		store:    store,
		sink:     opts.DeadLetters,
		observer: opts.Observer,
		logger:   logger,
		tracer:   otel.Tracer("github.com/BaSui01/geoflow/engine"),
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallelNodes)),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Breakers exposes the circuit breaker registry for the admin surface.
func (e *Engine) Breakers() *BreakerRegistry {
	return e.breakers
}

// Run validates the definition and executes it to a terminal status. The
// returned run is terminal unless validation failed, in which case no run
// was created and no node executed.
func (e *Engine) Run(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowRun, error) {
	plan, err := Analyze(def)
	if err != nil {
		return nil, err
	}
	if err := e.registry.ValidateDefinition(def); err != nil {
		return nil, err
	}
	run := types.NewWorkflowRun(uuid.NewString(), def)
	return e.execute(ctx, plan, run)
}

// Resume executes a new run of def that reuses the retained outputs of
// nodes that Succeeded in the prior run, re-executing the failed node and
// its downstream closure. Upstream producers whose outputs were not
// retained (lazy stream chains) are re-executed too. Semantics are
// at-least-once: non-idempotent sinks may duplicate effects.
func (e *Engine) Resume(ctx context.Context, def *types.WorkflowDefinition, prior *types.WorkflowRun, failedNodeID string) (*types.WorkflowRun, error) {
	plan, err := Analyze(def)
	if err != nil {
		return nil, err
	}
	if err := e.registry.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if _, ok := prior.NodeRuns[failedNodeID]; !ok {
		return nil, fmt.Errorf("node %s not present in prior run %s", failedNodeID, prior.ID)
	}

	redo := e.resumeClosure(plan, prior, failedNodeID)

	run := types.NewWorkflowRun(uuid.NewString(), def)
	run.RetryOfRunID = prior.ID
	for id, nr := range run.NodeRuns {
		if redo[id] {
			continue
		}
		priorNode := prior.NodeRuns[id]
		if priorNode != nil && priorNode.Status == types.NodeSucceeded {
			nr.Status = types.NodeSucceeded
			nr.Output = priorNode.Output
			nr.StartedAt = priorNode.StartedAt
			nr.CompletedAt = priorNode.CompletedAt
		}
	}
	return e.execute(ctx, plan, run)
}

// resumeClosure computes the set of nodes that must re-execute: the failed
// node, its descendants, every prior node that did not succeed, and,
// transitively, any predecessor whose output was not retained.
func (e *Engine) resumeClosure(plan *Plan, prior *types.WorkflowRun, failedNodeID string) map[string]bool {
	redo := map[string]bool{failedNodeID: true}
	for _, id := range plan.Descendants(failedNodeID) {
		redo[id] = true
	}
	for id, nr := range prior.NodeRuns {
		if nr.Status != types.NodeSucceeded {
			redo[id] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for id := range redo {
			for _, pred := range plan.Predecessors(id) {
				if redo[pred] {
					continue
				}
				priorPred := prior.NodeRuns[pred]
				if priorPred == nil || priorPred.Status != types.NodeSucceeded || priorPred.Output == nil {
					redo[pred] = true
					changed = true
				}
			}
		}
	}
	return redo
}

// CancelRun cancels a running workflow. All in-flight node executions and
// pending retry delays observe the cancellation immediately.
func (e *Engine) CancelRun(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// nodeOutcome is the terminal result of one node execution.
type nodeOutcome struct {
	nodeID   string
	output   any // []types.Record or Stream
	attempts int
	err      error // nil, a context error, or *types.WorkflowError
}

func (e *Engine) execute(parent context.Context, plan *Plan, run *types.WorkflowRun) (*types.WorkflowRun, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", run.WorkflowID),
			attribute.String("run.id", run.ID),
		))
	defer span.End()

	def := plan.Definition()
	log := e.logger.With(zap.String("run_id", run.ID), zap.String("workflow_id", run.WorkflowID))

	run.Status = types.RunRunning
	run.StartedAt = time.Now()
	e.saveRun(ctx, run, log)
	if e.observer != nil {
		e.observer.RunStarted(run.WorkflowID)
	}
	log.Info("run started",
		zap.Int("nodes", len(def.Nodes)),
		zap.Bool("continue_on_error", def.ContinueOnError))

	tracker := NewMemoryTracker(e.cfg.MemoryBudgetBytes, log)

	// Live stream outputs awaiting their single streaming consumer.
	streams := make(map[string]Stream)

	status := func(id string) types.NodeRunStatus {
		return run.NodeRuns[id].Status
	}

	results := make(chan nodeOutcome)
	inFlight := 0

	for {
		if ctx.Err() == nil {
			for _, id := range plan.Ready(status) {
				e.dispatch(ctx, plan, run, id, streams, tracker, results, log)
				inFlight++
			}
		}
		if inFlight == 0 {
			break
		}

		out := <-results
		inFlight--
		e.applyOutcome(ctx, plan, run, streams, out, log)
	}

	e.finalize(ctx, plan, run, streams, log)
	return run, nil
}

// dispatch marks a node Running and launches its execution goroutine. Input
// assembly consumes live predecessor streams, so it happens here in the
// scheduler loop which solely owns the streams map.
func (e *Engine) dispatch(ctx context.Context, plan *Plan, run *types.WorkflowRun, nodeID string,
	streams map[string]Stream, tracker *MemoryTracker, results chan<- nodeOutcome, log *zap.Logger) {

	nr := run.NodeRuns[nodeID]
	now := time.Now()
	nr.Status = types.NodeRunning
	nr.StartedAt = &now
	e.saveRun(ctx, run, log)

	node, _ := plan.Definition().Node(nodeID)

	// Collect predecessor outputs: retained record slices, or live streams
	// which are claimed (removed) now because they are single-consumer.
	preds := append([]string(nil), plan.Predecessors(nodeID)...)
	sort.Strings(preds)
	var slices [][]types.Record
	var live []Stream
	for _, pred := range preds {
		if s, ok := streams[pred]; ok {
			delete(streams, pred)
			live = append(live, s)
			continue
		}
		if recs, ok := types.RecordsFromAny(run.NodeRuns[pred].Output); ok {
			slices = append(slices, recs)
		}
	}

	lazyOK := e.lazyChainOK(plan, nodeID)

	go func() {
		e.waiting.Add(1)
		if err := e.sem.Acquire(ctx, 1); err != nil {
			e.waiting.Add(-1)
			results <- nodeOutcome{nodeID: nodeID, err: err}
			return
		}
		e.waiting.Add(-1)
		defer e.sem.Release(1)

		nodeCtx, span := e.tracer.Start(ctx, "workflow.node",
			trace.WithAttributes(
				attribute.String("node.id", nodeID),
				attribute.String("node.type", node.Type),
			))
		defer span.End()

		output, attempts, err := e.runNode(nodeCtx, node, slices, live, lazyOK, tracker)
		results <- nodeOutcome{nodeID: nodeID, output: output, attempts: attempts, err: err}
	}()
}

// lazyChainOK reports whether a streaming node's output may stay lazy: it
// needs exactly one successor, and that successor must consume streams. A
// lazy output is not retained, so a dead-letter resume re-executes the
// producer if needed.
func (e *Engine) lazyChainOK(plan *Plan, nodeID string) bool {
	succs := plan.Successors(nodeID)
	if len(succs) != 1 {
		return false
	}
	node, ok := plan.Definition().Node(succs[0])
	if !ok {
		return false
	}
	exec, err := e.registry.Resolve(node.Type)
	if err != nil {
		return false
	}
	_, streaming := exec.(StreamingExecutor)
	return streaming
}

// runNode executes one node under the resilient executor, bridging the
// batch and streaming contracts.
func (e *Engine) runNode(ctx context.Context, node types.NodeDefinition,
	slices [][]types.Record, live []Stream, lazyOK bool, tracker *MemoryTracker) (any, int, error) {

	// Claimed predecessor streams are owned here until an invocation takes
	// them; a failure before the first pull must still close them so
	// producer close hooks run.
	unconsumed := live

	exec, err := e.registry.Resolve(node.Type)
	if err != nil {
		e.closeStreams(unconsumed)
		werr := &types.WorkflowError{
			Category: types.CategoryConfiguration,
			Message:  err.Error(),
			NodeType: node.Type,
			Snapshot: types.CaptureSnapshot(int(e.waiting.Load())),
			Cause:    err,
		}
		return nil, 0, werr
	}

	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultNodeTimeout
	}
	policy := e.cfg.Retry.WithMaxAttempts(node.MaxAttempts)

	// A live predecessor stream is consumed on the first attempt and cannot
	// be rebuilt, so its presence disables retries. Materialized inputs are
	// rebuilt per attempt and retry normally.
	restartable := len(live) == 0

	var invoke func(ctx context.Context) (any, error)
	var excerpt string

	switch x := exec.(type) {
	case BatchExecutor:
		input, err := e.materializeInput(ctx, slices, live, tracker)
		unconsumed = nil // materializeInput closes every live stream
		if err != nil {
			return nil, 1, e.materializeError(node, err)
		}
		restartable = true
		excerpt = types.InputExcerpt(input, 256)
		invoke = func(ctx context.Context) (any, error) {
			out, err := x.ExecuteBatch(ctx, input, node.Parameters)
			if err != nil {
				return nil, err
			}
			return out, nil
		}

	case StreamingExecutor:
		excerpt = types.InputExcerpt(fmt.Sprintf("stream inputs: %d materialized, %d live", len(slices), len(live)), 256)
		invoke = func(ctx context.Context) (any, error) {
			unconsumed = nil // ownership passes to the opened stream chain
			parts := make([]Stream, 0, len(slices)+len(live))
			for _, recs := range slices {
				parts = append(parts, NewSliceStream(recs))
			}
			parts = append(parts, live...)
			out, err := x.OpenStream(ctx, ConcatStreams(parts...), node.Parameters)
			if err != nil {
				return nil, err
			}
			if lazyOK {
				return out, nil
			}
			recs, err := Materialize(ctx, out, tracker)
			if err != nil {
				return nil, err
			}
			return recs, nil
		}

	default:
		e.closeStreams(unconsumed)
		werr := &types.WorkflowError{
			Category: types.CategoryConfiguration,
			Message:  fmt.Sprintf("node type %s implements neither execution contract", node.Type),
			NodeType: node.Type,
			Snapshot: types.CaptureSnapshot(int(e.waiting.Load())),
		}
		return nil, 0, werr
	}

	out, attempts, execErr := e.exec.Execute(ctx, ExecuteRequest{
		Node:         node,
		Policy:       policy,
		Timeout:      timeout,
		Restartable:  restartable,
		InputExcerpt: excerpt,
		QueueDepth:   func() int { return int(e.waiting.Load()) },
		Invoke:       invoke,
	})
	if execErr != nil {
		// A rejection before the first attempt (open breaker, cancellation)
		// leaves the claimed streams untouched.
		e.closeStreams(unconsumed)
	}
	return out, attempts, execErr
}

// closeStreams closes claimed streams whose consumer will never pull them.
func (e *Engine) closeStreams(streams []Stream) {
	for _, s := range streams {
		if err := s.Close(); err != nil {
			e.logger.Warn("failed to close unconsumed stream", zap.Error(err))
		}
	}
}

// materializeInput drains live predecessor streams into the batch input.
// The engine materializes exactly when a streaming producer feeds a
// batch-only consumer.
func (e *Engine) materializeInput(ctx context.Context, slices [][]types.Record, live []Stream, tracker *MemoryTracker) ([]types.Record, error) {
	var input []types.Record
	for _, recs := range slices {
		input = append(input, recs...)
	}
	for i, s := range live {
		recs, err := Materialize(ctx, s, tracker)
		if err != nil {
			// Materialize closed the failing stream; the rest are still live.
			e.closeStreams(live[i+1:])
			return nil, err
		}
		input = append(input, recs...)
	}
	return input, nil
}

func (e *Engine) materializeError(node types.NodeDefinition, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &types.WorkflowError{
		Category:     Categorize(err),
		Message:      fmt.Sprintf("materializing upstream stream: %v", err),
		NodeType:     node.Type,
		Snapshot:     types.CaptureSnapshot(int(e.waiting.Load())),
		InputExcerpt: "",
		Attempts:     1,
		Cause:        err,
	}
}

// applyOutcome folds one node result into the run and cascades skips to the
// transitive successors of a failed node. Independent branches keep
// running in both continueOnError modes; the mode only determines the
// run's terminal status and dead-letter disposition.
func (e *Engine) applyOutcome(ctx context.Context, plan *Plan, run *types.WorkflowRun,
	streams map[string]Stream, out nodeOutcome, log *zap.Logger) {

	nr := run.NodeRuns[out.nodeID]
	now := time.Now()
	nr.Attempts = out.attempts
	nr.CompletedAt = &now

	node, _ := plan.Definition().Node(out.nodeID)

	var werr *types.WorkflowError
	switch {
	case out.err == nil:
		nr.Status = types.NodeSucceeded
		if s, ok := out.output.(Stream); ok {
			// Lazy chain: output stays a live stream for the single
			// streaming successor and is not retained on the node run.
			streams[out.nodeID] = s
		} else {
			nr.Output = out.output
		}
		log.Debug("node succeeded",
			zap.String("node_id", out.nodeID),
			zap.Int("attempts", out.attempts))

	// A bare context error means the run was cancelled or timed out as a
	// whole; attempt-level timeouts arrive wrapped in a WorkflowError.
	case !errors.As(out.err, &werr) && (errors.Is(out.err, context.Canceled) || ctxDeadline(out.err)):
		nr.Status = types.NodeCancelled
		log.Info("node cancelled", zap.String("node_id", out.nodeID))

	default:
		if werr == nil {
			werr = &types.WorkflowError{
				Category: Categorize(out.err),
				Message:  out.err.Error(),
				NodeType: node.Type,
				Snapshot: types.CaptureSnapshot(int(e.waiting.Load())),
				Attempts: out.attempts,
				Cause:    out.err,
			}
		}
		nr.Status = types.NodeFailed
		nr.Error = werr
		log.Error("node terminally failed",
			zap.String("node_id", out.nodeID),
			zap.String("category", string(werr.Category)),
			zap.Int("attempts", out.attempts),
			zap.String("error", werr.Message))

		// Downstream closure of a failed node can never receive its input.
		for _, id := range plan.Descendants(out.nodeID) {
			succ := run.NodeRuns[id]
			if succ.Status == types.NodePending {
				succ.Status = types.NodeSkipped
				t := time.Now()
				succ.CompletedAt = &t
			}
		}
	}

	if e.observer != nil && nr.StartedAt != nil {
		e.observer.NodeCompleted(node.Type, nr.Status, now.Sub(*nr.StartedAt))
	}
	e.saveRun(ctx, run, log)
}

// finalize derives the terminal run status, releases unclaimed streams,
// persists the final state, and enqueues terminal failures to the dead
// letter sink. Cancelled runs are never enqueued.
func (e *Engine) finalize(ctx context.Context, plan *Plan, run *types.WorkflowRun,
	streams map[string]Stream, log *zap.Logger) {

	for _, s := range streams {
		_ = s.Close()
	}

	cancelled := ctx.Err() != nil
	if cancelled {
		for _, nr := range run.NodeRuns {
			if !nr.Status.Terminal() {
				nr.Status = types.NodeCancelled
				now := time.Now()
				nr.CompletedAt = &now
			}
		}
	}

	var succeeded, failed int
	for _, nr := range run.NodeRuns {
		switch nr.Status {
		case types.NodeSucceeded:
			succeeded++
		case types.NodeFailed:
			failed++
		}
	}

	switch {
	case cancelled:
		run.Status = types.RunCancelled
	case failed == 0:
		run.Status = types.RunSucceeded
	case plan.Definition().ContinueOnError && succeeded > 0:
		run.Status = types.RunPartiallyFailed
	default:
		run.Status = types.RunFailed
	}

	now := time.Now()
	run.CompletedAt = &now

	// Persistence of the terminal state uses a fresh context: the run
	// context may already be cancelled.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.saveRun(saveCtx, run, log)

	if e.observer != nil {
		e.observer.RunCompleted(run.WorkflowID, run.Status, now.Sub(run.StartedAt))
	}

	log.Info("run completed",
		zap.String("status", string(run.Status)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Duration("duration", now.Sub(run.StartedAt)))

	if run.Status == types.RunFailed || run.Status == types.RunPartiallyFailed {
		e.enqueueDeadLetter(saveCtx, plan, run, log)
	}
}

// enqueueDeadLetter captures the run's triggering failure, the first
// failed node in topological order, into the dead letter sink. A terminal
// failure is never silently dropped.
func (e *Engine) enqueueDeadLetter(ctx context.Context, plan *Plan, run *types.WorkflowRun, log *zap.Logger) {
	if e.sink == nil {
		return
	}
	for _, id := range plan.Order() {
		nr := run.NodeRuns[id]
		if nr.Status != types.NodeFailed {
			continue
		}
		if err := e.sink.EnqueueFailure(ctx, run, id, nr.Error); err != nil {
			log.Error("failed to enqueue dead letter entry",
				zap.String("node_id", id),
				zap.Error(err))
		}
		return
	}
}

// saveRun persists incrementally; a storage hiccup is logged, not fatal to
// the run, because the store upserts idempotently on the next save.
func (e *Engine) saveRun(ctx context.Context, run *types.WorkflowRun, log *zap.Logger) {
	if err := e.store.SaveRun(ctx, run); err != nil {
		log.Error("failed to persist run state", zap.Error(err))
	}
}

func ctxDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

type noopRunStore struct{}

func (noopRunStore) SaveRun(context.Context, *types.WorkflowRun) error { return nil }
