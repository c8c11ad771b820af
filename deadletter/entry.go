package deadletter

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/BaSui01/geoflow/types"
)

// EntryStatus is the triage lifecycle of a dead letter entry.
type EntryStatus string

const (
	// StatusPending awaits triage; the initial status of every entry.
	StatusPending EntryStatus = "pending"
	// StatusRetrying has a retry run in flight.
	StatusRetrying EntryStatus = "retrying"
	// StatusInvestigating is assigned to an operator.
	StatusInvestigating EntryStatus = "investigating"
	// StatusResolved is closed: a retry succeeded or an operator resolved it.
	StatusResolved EntryStatus = "resolved"
	// StatusAbandoned is closed without resolution.
	StatusAbandoned EntryStatus = "abandoned"
)

// Terminal reports whether the entry can no longer change status.
func (s EntryStatus) Terminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// RetryPoint selects where a retry run starts.
type RetryPoint string

const (
	// RetryFromBeginning re-executes the whole workflow.
	RetryFromBeginning RetryPoint = "beginning"
	// RetryFromFailedNode reuses retained upstream outputs and re-executes
	// from the failed node onward.
	RetryFromFailedNode RetryPoint = "failed_node"
)

// RetryAttempt records one retry of a dead letter entry.
type RetryAttempt struct {
	// RunID identifies the retry run
	RunID string `json:"run_id"`
	// Point is where the retry started from
	Point RetryPoint `json:"point"`
	// StartedAt is when the retry was launched
	StartedAt time.Time `json:"started_at"`
	// Outcome is the retry run's terminal status
	Outcome types.RunStatus `json:"outcome"`
	// Error is the terminal failure message when the retry failed
	Error string `json:"error,omitempty"`
}

// FailedWorkflow is one dead letter entry: the durable record of a
// terminally failed run, carrying everything needed to triage and retry it.
type FailedWorkflow struct {
	ID              string `json:"id"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`
	// RunID is the failed run this entry was created from
	RunID string `json:"run_id"`
	// FailedNodeID is the triggering node: the first failed node in
	// topological order
	FailedNodeID string `json:"failed_node_id"`
	NodeType     string `json:"node_type"`

	Category     types.ErrorCategory  `json:"category"`
	Message      string               `json:"message"`
	Snapshot     types.SystemSnapshot `json:"snapshot"`
	InputExcerpt string               `json:"input_excerpt,omitempty"`
	// Attempts is how many executor invocations preceded the failure
	Attempts int `json:"attempts"`

	// Fingerprint groups recurring failures across runs
	Fingerprint string `json:"fingerprint"`

	Status     EntryStatus `json:"status"`
	AssignedTo string      `json:"assigned_to,omitempty"`
	Notes      []string    `json:"notes,omitempty"`

	RetryCount   int            `json:"retry_count"`
	RetryHistory []RetryAttempt `json:"retry_history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntry builds a Pending entry from a failed run and its triggering
// node failure.
func NewEntry(id string, run *types.WorkflowRun, failedNodeID string, werr *types.WorkflowError) *FailedWorkflow {
	now := time.Now()
	return &FailedWorkflow{
		ID:              id,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		RunID:           run.ID,
		FailedNodeID:    failedNodeID,
		NodeType:        werr.NodeType,
		Category:        werr.Category,
		Message:         werr.Message,
		Snapshot:        werr.Snapshot,
		InputExcerpt:    werr.InputExcerpt,
		Attempts:        werr.Attempts,
		Fingerprint:     Fingerprint(werr.NodeType, werr.Category, werr.Message),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// CanTransition reports whether the entry may move to the given status.
func (f *FailedWorkflow) CanTransition(to EntryStatus) bool {
	if f.Status.Terminal() {
		return false
	}
	switch f.Status {
	case StatusPending:
		return to == StatusRetrying || to == StatusInvestigating || to == StatusAbandoned || to == StatusResolved
	case StatusInvestigating:
		return to == StatusRetrying || to == StatusAbandoned || to == StatusResolved || to == StatusPending
	case StatusRetrying:
		return to == StatusPending || to == StatusResolved
	default:
		return false
	}
}

// Fingerprint derives a stable grouping key from the failure identity:
// node type, category, and the normalized message. Two entries with the
// same fingerprint are the same recurring failure.
func Fingerprint(nodeType string, category types.ErrorCategory, message string) string {
	h := fnv.New64a()
	h.Write([]byte(normalizeMessage(message)))
	return fmt.Sprintf("%s:%s:%016x", nodeType, category, h.Sum64())
}

// normalizeMessage strips the volatile parts of a failure message (numbers,
// hex identifiers, quoted values) so retries of the same defect hash alike.
func normalizeMessage(msg string) string {
	msg = strings.ToLower(msg)
	var b strings.Builder
	b.Grow(len(msg))

	inToken := false
	for _, r := range msg {
		switch {
		case r >= '0' && r <= '9':
			if !inToken {
				b.WriteByte('#')
				inToken = true
			}
		case r == '"' || r == '\'':
			// quote markers stay, contents were already collapsed if numeric
			inToken = false
			b.WriteRune(r)
		default:
			inToken = false
			b.WriteRune(r)
		}
	}

	out := strings.Join(strings.Fields(b.String()), " ")
	if len(out) > 200 {
		out = out[:200]
	}
	return out
}
