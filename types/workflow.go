package types

import (
	"fmt"
	"time"
)

// WorkflowDefinition is the immutable description of an ETL pipeline: a set
// of nodes and the directed edges between them. Definitions are produced by
// an external authoring process and are read-only to the engine.
type WorkflowDefinition struct {
	// ID is the stable workflow identifier
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable workflow name
	Name string `json:"name" yaml:"name"`
	// Version increments monotonically per published definition of the same ID
	Version int `json:"version" yaml:"version"`
	// Nodes contains all node definitions
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes"`
	// Edges lists the dependency edges (from must succeed before to starts)
	Edges []Edge `json:"edges" yaml:"edges"`
	// ContinueOnError keeps independent and downstream-of-other-path nodes
	// running after a node terminally fails instead of cascading skips
	ContinueOnError bool `json:"continue_on_error" yaml:"continue_on_error"`
	// Metadata stores additional workflow information
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Edge is a directed dependency edge between two nodes.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// NodeDefinition describes a single unit of work inside a workflow.
type NodeDefinition struct {
	// ID is unique within the workflow
	ID string `json:"id" yaml:"id"`
	// Type identifies the executor implementation in the node registry
	Type string `json:"type" yaml:"type"`
	// Parameters is the node-specific configuration passed to the executor
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// MaxAttempts overrides the default retry policy when > 0
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// Timeout bounds a single execution attempt (0 = engine default)
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Node returns the node definition with the given id.
func (d *WorkflowDefinition) Node(id string) (NodeDefinition, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDefinition{}, false
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunSucceeded       RunStatus = "succeeded"
	RunFailed          RunStatus = "failed"
	RunPartiallyFailed RunStatus = "partially_failed"
	RunCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunPartiallyFailed, RunCancelled:
		return true
	}
	return false
}

// NodeRunStatus is the lifecycle state of a single node within a run.
type NodeRunStatus string

const (
	NodePending   NodeRunStatus = "pending"
	NodeRunning   NodeRunStatus = "running"
	NodeSucceeded NodeRunStatus = "succeeded"
	NodeFailed    NodeRunStatus = "failed"
	NodeSkipped   NodeRunStatus = "skipped"
	NodeCancelled NodeRunStatus = "cancelled"
)

// Terminal reports whether the node run status is final. A node run reaches
// a terminal status exactly once and never transitions afterward.
func (s NodeRunStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// WorkflowRun is the mutable aggregate tracking one execution of a workflow
// definition. It is owned exclusively by the engine for the run's duration
// and persisted incrementally through the run store.
type WorkflowRun struct {
	// ID is the unique run identifier
	ID string `json:"id"`
	// WorkflowID references the executed definition
	WorkflowID string `json:"workflow_id"`
	// WorkflowVersion pins the definition version this run executed
	WorkflowVersion int `json:"workflow_version"`
	// Status is the current run state
	Status RunStatus `json:"status"`
	// StartedAt is when the run entered Running
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is set when the run reaches a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// NodeRuns maps node id to its per-run state
	NodeRuns map[string]*NodeRun `json:"node_runs"`
	// RetryOfRunID links a dead-letter retry run to the original run
	RetryOfRunID string `json:"retry_of_run_id,omitempty"`
}

// NodeRun tracks one node's state within a run. It is created at schedule
// time and mutated only by the executor owning that node.
type NodeRun struct {
	// NodeID references the node definition
	NodeID string `json:"node_id"`
	// Status is the current node state
	Status NodeRunStatus `json:"status"`
	// Attempts counts executor invocations, including the first
	Attempts int `json:"attempts"`
	// StartedAt is when the first attempt began
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is set when the node reaches a terminal status
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error holds the structured failure for a terminally Failed node
	Error *WorkflowError `json:"error,omitempty"`
	// Output is the materialized node output, retained so a dead-letter
	// retry from the failed node can reuse succeeded upstream results
	Output any `json:"output,omitempty"`
}

// NewWorkflowRun creates a pending run for the given definition with one
// pending NodeRun per node.
func NewWorkflowRun(id string, def *WorkflowDefinition) *WorkflowRun {
	run := &WorkflowRun{
		ID:              id,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		Status:          RunPending,
		NodeRuns:        make(map[string]*NodeRun, len(def.Nodes)),
	}
	for _, n := range def.Nodes {
		run.NodeRuns[n.ID] = &NodeRun{NodeID: n.ID, Status: NodePending}
	}
	return run
}

// Clone returns a deep copy of the run. Stores that hold runs in memory
// keep clones, so a run handed to a reader is a stable snapshot even while
// the scheduler keeps mutating the live aggregate.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.NodeRuns != nil {
		cp.NodeRuns = make(map[string]*NodeRun, len(r.NodeRuns))
		for id, nr := range r.NodeRuns {
			cp.NodeRuns[id] = nr.Clone()
		}
	}
	return &cp
}

// Clone returns a copy of the node run. Error and Output are shared: both
// are assigned exactly once, when the node reaches a terminal status, and
// record slices are never mutated after that.
func (nr *NodeRun) Clone() *NodeRun {
	if nr == nil {
		return nil
	}
	cp := *nr
	if nr.StartedAt != nil {
		t := *nr.StartedAt
		cp.StartedAt = &t
	}
	if nr.CompletedAt != nil {
		t := *nr.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Terminal reports whether every node run has reached a terminal status.
func (r *WorkflowRun) Terminal() bool {
	for _, nr := range r.NodeRuns {
		if !nr.Status.Terminal() {
			return false
		}
	}
	return true
}

// FailedNodeIDs returns ids of all terminally failed nodes, for building
// dead-letter entries and status summaries.
func (r *WorkflowRun) FailedNodeIDs() []string {
	var ids []string
	for id, nr := range r.NodeRuns {
		if nr.Status == NodeFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// String implements fmt.Stringer for log-friendly run identification.
func (r *WorkflowRun) String() string {
	return fmt.Sprintf("run %s (workflow %s, %s)", r.ID, r.WorkflowID, r.Status)
}
