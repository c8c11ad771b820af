package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/types"
)

// ErrNotFound is returned when no dead letter entry has the requested id.
var ErrNotFound = errors.New("dead letter entry not found")

// ErrInvalidTransition is returned when an operation is not allowed in the
// entry's current status.
var ErrInvalidTransition = errors.New("invalid dead letter status transition")

// Filter narrows List queries. Zero fields match everything.
type Filter struct {
	Status      EntryStatus         `json:"status,omitempty"`
	WorkflowID  string              `json:"workflow_id,omitempty"`
	Category    types.ErrorCategory `json:"category,omitempty"`
	NodeType    string              `json:"node_type,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
	Offset      int                 `json:"offset,omitempty"`
}

// Stats aggregates the queue for the admin surface.
type Stats struct {
	Total      int64                         `json:"total"`
	ByStatus   map[EntryStatus]int64         `json:"by_status"`
	ByCategory map[types.ErrorCategory]int64 `json:"by_category"`
	ByNodeType map[string]int64              `json:"by_node_type"`
}

// Repository persists dead letter entries.
type Repository interface {
	Save(ctx context.Context, entry *FailedWorkflow) error
	Update(ctx context.Context, entry *FailedWorkflow) error
	Get(ctx context.Context, id string) (*FailedWorkflow, error)
	List(ctx context.Context, filter Filter) ([]*FailedWorkflow, error)
	Stats(ctx context.Context) (Stats, error)
}

// Runner launches retry runs. Satisfied by *engine.Engine.
type Runner interface {
	Run(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowRun, error)
	Resume(ctx context.Context, def *types.WorkflowDefinition, prior *types.WorkflowRun, failedNodeID string) (*types.WorkflowRun, error)
}

// DefinitionSource resolves the workflow definition a retry should execute.
type DefinitionSource interface {
	GetDefinition(ctx context.Context, workflowID string, version int) (*types.WorkflowDefinition, error)
}

// RunSource loads the prior run for a failed-node retry.
type RunSource interface {
	GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error)
}

// Service owns the dead letter lifecycle: it receives terminal failures
// from the engine, serves triage operations, and launches retries.
type Service struct {
	repo   Repository
	runner Runner
	defs   DefinitionSource
	runs   RunSource
	logger *zap.Logger
}

// NewService creates a dead letter service.
func NewService(repo Repository, runner Runner, defs DefinitionSource, runs RunSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		runner: runner,
		defs:   defs,
		runs:   runs,
		logger: logger.With(zap.String("component", "dead_letter")),
	}
}

// EnqueueFailure implements engine.DeadLetterSink: every terminally failed
// run produces exactly one Pending entry for its triggering node.
func (s *Service) EnqueueFailure(ctx context.Context, run *types.WorkflowRun, failedNodeID string, werr *types.WorkflowError) error {
	entry := NewEntry(uuid.NewString(), run, failedNodeID, werr)
	if err := s.repo.Save(ctx, entry); err != nil {
		return fmt.Errorf("saving dead letter entry: %w", err)
	}
	s.logger.Info("workflow failure dead-lettered",
		zap.String("entry_id", entry.ID),
		zap.String("run_id", run.ID),
		zap.String("failed_node", failedNodeID),
		zap.String("category", string(werr.Category)),
		zap.String("fingerprint", entry.Fingerprint))
	return nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id string) (*FailedWorkflow, error) {
	return s.repo.Get(ctx, id)
}

// List returns entries matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]*FailedWorkflow, error) {
	return s.repo.List(ctx, filter)
}

// Stats aggregates queue counts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.repo.Stats(ctx)
}

// Retry launches a retry run for the entry and blocks until it is terminal.
// A successful retry resolves the entry; a failed retry returns it to
// Pending with the attempt recorded. The failed retry run produces its own
// new entry through the engine sink, linked by fingerprint.
func (s *Service) Retry(ctx context.Context, id string, point RetryPoint, overrides map[string]map[string]any) (*types.WorkflowRun, error) {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entry.CanTransition(StatusRetrying) {
		return nil, fmt.Errorf("%w: %s cannot retry from %s", ErrInvalidTransition, id, entry.Status)
	}

	def, err := s.defs.GetDefinition(ctx, entry.WorkflowID, entry.WorkflowVersion)
	if err != nil {
		return nil, fmt.Errorf("loading definition %s v%d: %w", entry.WorkflowID, entry.WorkflowVersion, err)
	}
	def = applyOverrides(def, overrides)

	previous := entry.Status
	entry.Status = StatusRetrying
	entry.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, entry); err != nil {
		return nil, err
	}

	run, runErr := s.launch(ctx, entry, def, point)
	if runErr != nil {
		// The retry never started (validation or lookup failure); the entry
		// keeps its previous triage status.
		entry.Status = previous
		entry.UpdatedAt = time.Now()
		if uerr := s.repo.Update(ctx, entry); uerr != nil {
			s.logger.Error("failed to restore entry status after aborted retry",
				zap.String("entry_id", id), zap.Error(uerr))
		}
		return nil, runErr
	}

	attempt := RetryAttempt{
		RunID:     run.ID,
		Point:     point,
		StartedAt: run.StartedAt,
		Outcome:   run.Status,
	}
	entry.RetryCount++
	if run.Status == types.RunSucceeded {
		entry.Status = StatusResolved
		entry.Notes = append(entry.Notes, fmt.Sprintf("resolved by retry run %s", run.ID))
	} else {
		entry.Status = StatusPending
		for _, nodeID := range run.FailedNodeIDs() {
			if werr := run.NodeRuns[nodeID].Error; werr != nil {
				attempt.Error = werr.Message
				break
			}
		}
	}
	entry.RetryHistory = append(entry.RetryHistory, attempt)
	entry.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, entry); err != nil {
		return run, err
	}

	s.logger.Info("dead letter retry finished",
		zap.String("entry_id", id),
		zap.String("retry_run_id", run.ID),
		zap.String("point", string(point)),
		zap.String("outcome", string(run.Status)))
	return run, nil
}

func (s *Service) launch(ctx context.Context, entry *FailedWorkflow, def *types.WorkflowDefinition, point RetryPoint) (*types.WorkflowRun, error) {
	switch point {
	case RetryFromFailedNode:
		prior, err := s.runs.GetRun(ctx, entry.RunID)
		if err != nil {
			return nil, fmt.Errorf("loading prior run %s: %w", entry.RunID, err)
		}
		return s.runner.Resume(ctx, def, prior, entry.FailedNodeID)
	case RetryFromBeginning:
		return s.runner.Run(ctx, def)
	default:
		return nil, fmt.Errorf("unknown retry point: %s", point)
	}
}

// BulkRetry retries every entry in ids sequentially and reports the
// per-entry error (nil on success).
func (s *Service) BulkRetry(ctx context.Context, ids []string, point RetryPoint) map[string]error {
	results := make(map[string]error, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			results[id] = err
			continue
		}
		_, err := s.Retry(ctx, id, point, nil)
		results[id] = err
	}
	return results
}

// Assign moves an entry to Investigating under the given operator.
func (s *Service) Assign(ctx context.Context, id, assignee string) (*FailedWorkflow, error) {
	return s.transition(ctx, id, StatusInvestigating, func(e *FailedWorkflow) {
		e.AssignedTo = assignee
	})
}

// Resolve closes an entry manually.
func (s *Service) Resolve(ctx context.Context, id, note string) (*FailedWorkflow, error) {
	return s.transition(ctx, id, StatusResolved, func(e *FailedWorkflow) {
		if note != "" {
			e.Notes = append(e.Notes, note)
		}
	})
}

// Abandon closes an entry without resolution.
func (s *Service) Abandon(ctx context.Context, id, reason string) (*FailedWorkflow, error) {
	return s.transition(ctx, id, StatusAbandoned, func(e *FailedWorkflow) {
		if reason != "" {
			e.Notes = append(e.Notes, reason)
		}
	})
}

func (s *Service) transition(ctx context.Context, id string, to EntryStatus, mutate func(*FailedWorkflow)) (*FailedWorkflow, error) {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !entry.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, to)
	}
	entry.Status = to
	mutate(entry)
	entry.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// applyOverrides returns a copy of the definition with per-node parameter
// overrides merged in. The stored definition is never mutated.
func applyOverrides(def *types.WorkflowDefinition, overrides map[string]map[string]any) *types.WorkflowDefinition {
	if len(overrides) == 0 {
		return def
	}
	out := *def
	out.Nodes = make([]types.NodeDefinition, len(def.Nodes))
	copy(out.Nodes, def.Nodes)

	for i, node := range out.Nodes {
		patch, ok := overrides[node.ID]
		if !ok {
			continue
		}
		params := make(map[string]any, len(node.Parameters)+len(patch))
		for k, v := range node.Parameters {
			params[k] = v
		}
		for k, v := range patch {
			params[k] = v
		}
		out.Nodes[i].Parameters = params
	}
	return &out
}
