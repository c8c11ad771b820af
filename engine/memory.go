package engine

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
)

// MemoryTracker watches process heap usage against a configured budget. It
// is shared across all nodes within a run; nodes consult it before large
// buffered materialization and prefer the streaming contract near budget.
type MemoryTracker struct {
	budgetBytes uint64
	logger      *zap.Logger
	warned      atomic.Bool
}

// ErrMemoryBudget is wrapped into failures raised when a buffered
// materialization would exceed the configured memory budget. Categorize
// maps it to the resource category via its message.
var ErrMemoryBudget = fmt.Errorf("memory budget exceeded")

// NewMemoryTracker creates a tracker with the given heap budget in bytes.
// A zero budget disables tracking; CheckPressure then always passes.
func NewMemoryTracker(budgetBytes uint64, logger *zap.Logger) *MemoryTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTracker{
		budgetBytes: budgetBytes,
		logger:      logger.With(zap.String("component", "memory_tracker")),
	}
}

// NearBudget reports whether live heap allocation is within 90% of budget.
func (t *MemoryTracker) NearBudget() bool {
	if t == nil || t.budgetBytes == 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Alloc >= t.budgetBytes*9/10
}

// CheckPressure fails when live heap allocation exceeds the budget, so a
// runaway materialization is cut off before exhausting the process.
func (t *MemoryTracker) CheckPressure() error {
	if t == nil || t.budgetBytes == 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Alloc >= t.budgetBytes {
		return fmt.Errorf("%w: alloc %d >= budget %d", ErrMemoryBudget, ms.Alloc, t.budgetBytes)
	}
	if ms.Alloc >= t.budgetBytes*9/10 && t.warned.CompareAndSwap(false, true) {
		t.logger.Warn("memory usage near budget",
			zap.Uint64("alloc_bytes", ms.Alloc),
			zap.Uint64("budget_bytes", t.budgetBytes))
	}
	return nil
}
