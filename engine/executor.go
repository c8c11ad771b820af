package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/types"
)

// ExecuteRequest carries everything the resilient executor needs for one
// node execution: the node identity, the resolved retry policy and timeout,
// and the invocation closure built by the engine from the node's contract
// and predecessor outputs.
type ExecuteRequest struct {
	// Node is the definition of the node being executed
	Node types.NodeDefinition
	// Policy is the retry policy, already adjusted for the node's MaxAttempts
	Policy RetryPolicy
	// Timeout bounds each single attempt
	Timeout time.Duration
	// Restartable is false when the node input contains a live,
	// non-restartable stream; such failures are terminal after one attempt
	// because the consumed input cannot be rebuilt for a retry
	Restartable bool
	// InputExcerpt is a truncated rendering of the node input for triage
	InputExcerpt string
	// QueueDepth reports how many nodes are waiting for a scheduling slot,
	// captured into the failure snapshot
	QueueDepth func() int
	// Invoke runs a single attempt
	Invoke func(ctx context.Context) (any, error)
}

// ResilientExecutor wraps a single node's execution with timeout, retry
// loop, and circuit-breaker consultation.
type ResilientExecutor struct {
	breakers *BreakerRegistry
	observer Observer
	logger   *zap.Logger
}

// NewResilientExecutor creates the per-node execution wrapper.
func NewResilientExecutor(breakers *BreakerRegistry, observer Observer, logger *zap.Logger) *ResilientExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResilientExecutor{
		breakers: breakers,
		observer: observer,
		logger:   logger.With(zap.String("component", "node_executor")),
	}
}

// Execute runs one node to a terminal outcome. The returned error is either
// nil, a context cancellation error (the run was cancelled; the node run
// must become Cancelled, never Failed), or a *types.WorkflowError carrying
// the categorized terminal failure. attempts counts node invocations.
func (e *ResilientExecutor) Execute(ctx context.Context, req ExecuteRequest) (output any, attempts int, err error) {
	log := e.logger.With(
		zap.String("node_id", req.Node.ID),
		zap.String("node_type", req.Node.Type),
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		// Breaker consult happens per attempt: a circuit that opened while
		// this node was backing off rejects the next attempt fail-fast.
		if allowErr := e.breakers.Allow(req.Node.Type, time.Now()); allowErr != nil {
			log.Warn("execution rejected by circuit breaker", zap.Error(allowErr))
			return nil, attempts, e.terminalError(req, attempts, types.CategoryExternal, allowErr)
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
		out, invokeErr := req.Invoke(attemptCtx)
		cancel()

		if invokeErr == nil {
			e.breakers.RecordSuccess(req.Node.Type)
			if attempts > 1 {
				log.Info("node succeeded after retry", zap.Int("attempts", attempts))
			}
			return out, attempts, nil
		}

		// Cancellation of the run is not a node failure. The attempt may have
		// been admitted as the half-open trial; a trial that returns without
		// an outcome must release its slot or the breaker waits forever.
		if ctx.Err() != nil {
			e.breakers.AbortTrial(req.Node.Type)
			return nil, attempts, ctx.Err()
		}

		category := Categorize(invokeErr)
		e.breakers.RecordFailure(req.Node.Type, time.Now())

		// The raw failure is logged next to the assigned category so a
		// mis-categorization is auditable rather than silently wrong.
		log.Warn("node attempt failed",
			zap.Int("attempt", attempts),
			zap.String("category", string(category)),
			zap.Error(invokeErr))

		if !req.Restartable {
			if req.Policy.ShouldRetry(attempts, category) {
				log.Warn("skipping retry: node input is a non-restartable stream")
			}
			return nil, attempts, e.terminalError(req, attempts, category, invokeErr)
		}
		if !req.Policy.ShouldRetry(attempts, category) {
			return nil, attempts, e.terminalError(req, attempts, category, invokeErr)
		}

		delay := req.Policy.ComputeDelay(attempts)
		if e.observer != nil {
			e.observer.RetryScheduled(req.Node.Type, category, delay)
		}
		log.Info("retrying node",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay))

		// Cancellation during the wait aborts the whole retry loop.
		select {
		case <-ctx.Done():
			return nil, attempts, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *ResilientExecutor) terminalError(req ExecuteRequest, attempts int, category types.ErrorCategory, cause error) *types.WorkflowError {
	depth := 0
	if req.QueueDepth != nil {
		depth = req.QueueDepth()
	}
	return &types.WorkflowError{
		Category:     category,
		Message:      cause.Error(),
		NodeType:     req.Node.Type,
		Snapshot:     types.CaptureSnapshot(depth),
		InputExcerpt: req.InputExcerpt,
		Attempts:     attempts,
		Cause:        cause,
	}
}

// IsCircuitOpen reports whether a terminal node failure was a fail-fast
// circuit breaker rejection rather than a node invocation failure.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
