package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/geoflow/deadletter"
	"github.com/BaSui01/geoflow/types"
)

// WorkflowModel persists one version of a workflow definition. Definitions
// are immutable per version; publishing changes bumps the version.
type WorkflowModel struct {
	WorkflowID string `gorm:"column:workflow_id;primaryKey;size:128"`
	Version    int    `gorm:"column:version;primaryKey"`
	Name       string `gorm:"column:name;size:256;index"`
	// Definition is the full JSON-encoded definition
	Definition string    `gorm:"column:definition;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName 指定表名
func (WorkflowModel) TableName() string { return "workflow_definitions" }

// RunModel persists one workflow run. NodeRuns are stored as a JSON blob:
// the engine always saves the aggregate, and per-node queries go through
// the loaded run.
type RunModel struct {
	ID              string     `gorm:"column:id;primaryKey;size:64"`
	WorkflowID      string     `gorm:"column:workflow_id;size:128;index:idx_runs_workflow"`
	WorkflowVersion int        `gorm:"column:workflow_version"`
	Status          string     `gorm:"column:status;size:32;index:idx_runs_status"`
	StartedAt       time.Time  `gorm:"column:started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	RetryOfRunID    string     `gorm:"column:retry_of_run_id;size:64;index"`
	NodeRuns        string     `gorm:"column:node_runs;type:text"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

// TableName 指定表名
func (RunModel) TableName() string { return "workflow_runs" }

// DeadLetterModel persists one dead letter entry.
type DeadLetterModel struct {
	ID              string     `gorm:"column:id;primaryKey;size:64"`
	WorkflowID      string     `gorm:"column:workflow_id;size:128;index:idx_dl_workflow"`
	WorkflowVersion int        `gorm:"column:workflow_version"`
	RunID           string     `gorm:"column:run_id;size:64;index"`
	FailedNodeID    string     `gorm:"column:failed_node_id;size:128"`
	NodeType        string     `gorm:"column:node_type;size:128;index:idx_dl_node_type"`
	Category        string     `gorm:"column:category;size:32;index:idx_dl_category"`
	Message         string     `gorm:"column:message;type:text"`
	Snapshot        string     `gorm:"column:snapshot;type:text"`
	InputExcerpt    string     `gorm:"column:input_excerpt;type:text"`
	Attempts        int        `gorm:"column:attempts"`
	Fingerprint     string     `gorm:"column:fingerprint;size:192;index:idx_dl_fingerprint"`
	Status          string     `gorm:"column:status;size:32;index:idx_dl_status"`
	AssignedTo      string     `gorm:"column:assigned_to;size:128"`
	Notes           string     `gorm:"column:notes;type:text"`
	RetryCount      int        `gorm:"column:retry_count"`
	RetryHistory    string     `gorm:"column:retry_history;type:text"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

// TableName 指定表名
func (DeadLetterModel) TableName() string { return "dead_letters" }

func runToModel(run *types.WorkflowRun) (*RunModel, error) {
	nodeRuns, err := json.Marshal(run.NodeRuns)
	if err != nil {
		return nil, fmt.Errorf("encoding node runs: %w", err)
	}
	return &RunModel{
		ID:              run.ID,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		Status:          string(run.Status),
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		RetryOfRunID:    run.RetryOfRunID,
		NodeRuns:        string(nodeRuns),
	}, nil
}

func runFromModel(m *RunModel) (*types.WorkflowRun, error) {
	run := &types.WorkflowRun{
		ID:              m.ID,
		WorkflowID:      m.WorkflowID,
		WorkflowVersion: m.WorkflowVersion,
		Status:          types.RunStatus(m.Status),
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		RetryOfRunID:    m.RetryOfRunID,
	}
	if m.NodeRuns != "" {
		if err := json.Unmarshal([]byte(m.NodeRuns), &run.NodeRuns); err != nil {
			return nil, fmt.Errorf("decoding node runs for %s: %w", m.ID, err)
		}
	}
	return run, nil
}

func entryToModel(e *deadletter.FailedWorkflow) (*DeadLetterModel, error) {
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	notes, err := json.Marshal(e.Notes)
	if err != nil {
		return nil, fmt.Errorf("encoding notes: %w", err)
	}
	history, err := json.Marshal(e.RetryHistory)
	if err != nil {
		return nil, fmt.Errorf("encoding retry history: %w", err)
	}
	return &DeadLetterModel{
		ID:              e.ID,
		WorkflowID:      e.WorkflowID,
		WorkflowVersion: e.WorkflowVersion,
		RunID:           e.RunID,
		FailedNodeID:    e.FailedNodeID,
		NodeType:        e.NodeType,
		Category:        string(e.Category),
		Message:         e.Message,
		Snapshot:        string(snapshot),
		InputExcerpt:    e.InputExcerpt,
		Attempts:        e.Attempts,
		Fingerprint:     e.Fingerprint,
		Status:          string(e.Status),
		AssignedTo:      e.AssignedTo,
		Notes:           string(notes),
		RetryCount:      e.RetryCount,
		RetryHistory:    string(history),
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}, nil
}

func entryFromModel(m *DeadLetterModel) (*deadletter.FailedWorkflow, error) {
	e := &deadletter.FailedWorkflow{
		ID:              m.ID,
		WorkflowID:      m.WorkflowID,
		WorkflowVersion: m.WorkflowVersion,
		RunID:           m.RunID,
		FailedNodeID:    m.FailedNodeID,
		NodeType:        m.NodeType,
		Category:        types.ErrorCategory(m.Category),
		Message:         m.Message,
		InputExcerpt:    m.InputExcerpt,
		Attempts:        m.Attempts,
		Fingerprint:     m.Fingerprint,
		Status:          deadletter.EntryStatus(m.Status),
		AssignedTo:      m.AssignedTo,
		RetryCount:      m.RetryCount,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	if m.Snapshot != "" {
		if err := json.Unmarshal([]byte(m.Snapshot), &e.Snapshot); err != nil {
			return nil, fmt.Errorf("decoding snapshot for %s: %w", m.ID, err)
		}
	}
	if m.Notes != "" {
		if err := json.Unmarshal([]byte(m.Notes), &e.Notes); err != nil {
			return nil, fmt.Errorf("decoding notes for %s: %w", m.ID, err)
		}
	}
	if m.RetryHistory != "" {
		if err := json.Unmarshal([]byte(m.RetryHistory), &e.RetryHistory); err != nil {
			return nil, fmt.Errorf("decoding retry history for %s: %w", m.ID, err)
		}
	}
	return e, nil
}
