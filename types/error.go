package types

import (
	"fmt"
	"runtime"
	"time"
	"unicode/utf8"
)

// ErrorCategory classifies a node failure for retry disposition and
// dead-letter triage. Categorization is heuristic; the raw failure is
// always logged alongside the assigned category so mis-categorization is
// auditable rather than silently wrong.
type ErrorCategory string

const (
	// CategoryTransient covers timeouts, connection resets, and temporary
	// unavailability; retried aggressively.
	CategoryTransient ErrorCategory = "transient"
	// CategoryData covers validation, parsing, and malformed-input failures;
	// never retried.
	CategoryData ErrorCategory = "data"
	// CategoryResource covers out-of-memory and rate-limit failures; retried
	// with backoff.
	CategoryResource ErrorCategory = "resource"
	// CategoryConfiguration covers missing credentials and bad configuration;
	// never retried.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryExternal covers third-party service unavailability; retried.
	CategoryExternal ErrorCategory = "external"
	// CategoryLogic covers programming defects (nil dereference, index out of
	// range); never retried.
	CategoryLogic ErrorCategory = "logic"
	// CategoryUnknown is anything unmatched; never retryable by default.
	CategoryUnknown ErrorCategory = "unknown"
)

// SystemSnapshot captures process health at failure time so operators can
// distinguish resource exhaustion from genuine node defects.
type SystemSnapshot struct {
	// AllocBytes is the live heap allocation at capture time
	AllocBytes uint64 `json:"alloc_bytes"`
	// SysBytes is the total memory obtained from the OS
	SysBytes uint64 `json:"sys_bytes"`
	// NumGoroutine is the goroutine count at capture time
	NumGoroutine int `json:"num_goroutine"`
	// QueueDepth is the number of nodes waiting for a scheduling slot
	QueueDepth int `json:"queue_depth"`
	// CapturedAt is when the snapshot was taken
	CapturedAt time.Time `json:"captured_at"`
}

// CaptureSnapshot reads current process stats. queueDepth is supplied by the
// engine since only it knows how many nodes are waiting.
func CaptureSnapshot(queueDepth int) SystemSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemSnapshot{
		AllocBytes:   ms.Alloc,
		SysBytes:     ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
		QueueDepth:   queueDepth,
		CapturedAt:   time.Now(),
	}
}

// WorkflowError is the structured error attached to a terminally failed
// NodeRun. It is immutable once attached.
type WorkflowError struct {
	// Category is the heuristic classification of the failure
	Category ErrorCategory `json:"category"`
	// Message is the raw failure message
	Message string `json:"message"`
	// NodeType identifies the executor implementation that failed
	NodeType string `json:"node_type"`
	// Snapshot is the system state captured at failure time
	Snapshot SystemSnapshot `json:"snapshot"`
	// InputExcerpt is a truncated rendering of the node input for triage
	InputExcerpt string `json:"input_excerpt,omitempty"`
	// Attempts is how many executor invocations preceded the terminal failure
	Attempts int `json:"attempts"`
	// Cause is the underlying error, not serialized
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.NodeType, e.Message)
}

// Unwrap returns the underlying cause.
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// GraphError reports an invalid workflow definition: an unknown node
// reference, a duplicate id, or a cycle. It is raised at validation time,
// before any node executes.
type GraphError struct {
	// WorkflowID identifies the rejected definition
	WorkflowID string
	// Reason describes the structural defect
	Reason string
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	return fmt.Sprintf("invalid workflow graph %s: %s", e.WorkflowID, e.Reason)
}

// InputExcerpt renders v for inclusion in a WorkflowError, truncated to
// maxLen runes so oversized payloads never bloat persisted errors. The cut
// lands on a rune boundary; a persisted excerpt is always valid UTF-8.
func InputExcerpt(v any, maxLen int) string {
	if v == nil {
		return ""
	}
	s := fmt.Sprintf("%v", v)
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := 0
	for i := range s {
		if runes == maxLen {
			return s[:i] + "…"
		}
		runes++
	}
	return s
}
