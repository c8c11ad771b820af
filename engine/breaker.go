package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the breaker state for one node type.
type CircuitState int

const (
	// CircuitClosed allows executions through
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects executions immediately, without invoking the node
	CircuitOpen
	// CircuitHalfOpen allows exactly one trial execution
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-node-type circuit breakers.
type BreakerConfig struct {
	// Enabled turns breaker consultation on; when false every execution
	// proceeds and no state is tracked
	Enabled bool `json:"enabled" yaml:"enabled"`
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Timeout is how long an open circuit rejects before permitting a
	// half-open trial
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultBreakerConfig returns the engine-wide breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
	}
}

// BreakerSnapshot is an observable copy of one breaker's state, exposed to
// the admin API and to external state stores.
type BreakerSnapshot struct {
	NodeType            string       `json:"node_type"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	TotalFailures       int64        `json:"total_failures"`
	TotalSuccesses      int64        `json:"total_successes"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
}

// BreakerStateHandler receives state-transition notifications. Handlers run
// on a separate goroutine so a slow sink never blocks node scheduling; a
// shared external store (e.g. Redis) can implement this to keep breaker
// decisions visible across engine instances.
type BreakerStateHandler interface {
	OnBreakerStateChange(snapshot BreakerSnapshot, oldState CircuitState, reason string)
}

// ErrCircuitOpen is returned when the breaker for a node type rejects an
// execution. errors.Is matches it through the resulting WorkflowError.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open")

// breaker is the failure state machine for one node type. The whole
// read-decide-update sequence runs under mu so two concurrent callers can
// never both observe Half-Open and both execute trials.
type breaker struct {
	nodeType string
	config   BreakerConfig
	handler  BreakerStateHandler
	logger   *zap.Logger

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	totalFailures       int64
	totalSuccesses      int64
	openedAt            time.Time
	trialInFlight       bool
}

func newBreaker(nodeType string, config BreakerConfig, handler BreakerStateHandler, logger *zap.Logger) *breaker {
	return &breaker{
		nodeType: nodeType,
		config:   config,
		handler:  handler,
		logger:   logger.With(zap.String("node_type", nodeType)),
		state:    CircuitClosed,
	}
}

// Allow decides whether an execution may proceed. An Open circuit past its
// timeout transitions to Half-Open and admits the caller as the single
// trial; further callers are rejected until the trial reports its outcome.
func (b *breaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if now.Sub(b.openedAt) >= b.config.Timeout {
			b.transition(CircuitHalfOpen, "recovery timeout elapsed")
			b.trialInFlight = true
			return nil
		}
		remaining := b.config.Timeout - now.Sub(b.openedAt)
		return fmt.Errorf("%w for node type %s: %d consecutive failures, retry in %v",
			ErrCircuitOpen, b.nodeType, b.consecutiveFailures, remaining)

	case CircuitHalfOpen:
		if b.trialInFlight {
			return fmt.Errorf("%w for node type %s: half-open trial in flight", ErrCircuitOpen, b.nodeType)
		}
		b.trialInFlight = true
		return nil

	default:
		return fmt.Errorf("%w: unknown state %d", ErrCircuitOpen, b.state)
	}
}

// RecordSuccess reports a successful execution.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case CircuitClosed:
		b.consecutiveFailures = 0
	case CircuitHalfOpen:
		b.trialInFlight = false
		b.consecutiveFailures = 0
		b.transition(CircuitClosed, "half-open trial succeeded")
	}
}

// RecordFailure reports a failed execution.
func (b *breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveFailures++

	switch b.state {
	case CircuitClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openedAt = now
			b.transition(CircuitOpen, fmt.Sprintf("%d consecutive failures", b.consecutiveFailures))
		}
	case CircuitHalfOpen:
		b.trialInFlight = false
		b.openedAt = now
		b.transition(CircuitOpen, "half-open trial failed")
	}
}

// AbortTrial releases the half-open trial slot without recording an outcome.
// A trial cancelled mid-flight never calls RecordSuccess or RecordFailure;
// without this release every later Allow would be rejected as "trial in
// flight". The breaker stays Half-Open and the next caller is admitted as a
// fresh trial.
func (b *breaker) AbortTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen && b.trialInFlight {
		b.trialInFlight = false
		b.logger.Info("half-open trial aborted, slot released")
	}
}

// Snapshot returns an observable copy of the breaker state.
func (b *breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *breaker) snapshotLocked() BreakerSnapshot {
	return BreakerSnapshot{
		NodeType:            b.nodeType,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		OpenedAt:            b.openedAt,
	}
}

// Reset returns the breaker to Closed and clears the failure streak. Total
// counters are kept for observability.
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.state
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.trialInFlight = false
	b.openedAt = time.Time{}
	if old != CircuitClosed {
		b.notify(b.snapshotLocked(), old, "manual reset")
	}
}

// transition must be called with mu held.
func (b *breaker) transition(newState CircuitState, reason string) {
	old := b.state
	b.state = newState

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", old.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("consecutive_failures", b.consecutiveFailures))

	b.notify(b.snapshotLocked(), old, reason)
}

// notify must be called with mu held; delivery is asynchronous to avoid
// deadlocks with handlers that read breaker state.
func (b *breaker) notify(snap BreakerSnapshot, old CircuitState, reason string) {
	if b.handler != nil {
		go b.handler.OnBreakerStateChange(snap, old, reason)
	}
}

// BreakerRegistry owns one breaker per node type, shared and synchronized
// across all concurrent executions of that type.
type BreakerRegistry struct {
	config   BreakerConfig
	handler  BreakerStateHandler
	logger   *zap.Logger
	mu       sync.RWMutex
	breakers map[string]*breaker
}

// NewBreakerRegistry creates a registry with the given configuration.
func NewBreakerRegistry(config BreakerConfig, handler BreakerStateHandler, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		config:   config,
		handler:  handler,
		logger:   logger.With(zap.String("component", "breaker_registry")),
		breakers: make(map[string]*breaker),
	}
}

// Enabled reports whether breaker consultation is on.
func (r *BreakerRegistry) Enabled() bool {
	return r.config.Enabled
}

// Allow consults the breaker for a node type. It always allows when the
// registry is disabled.
func (r *BreakerRegistry) Allow(nodeType string, now time.Time) error {
	if !r.config.Enabled {
		return nil
	}
	return r.getOrCreate(nodeType).Allow(now)
}

// RecordSuccess reports a successful execution of the node type.
func (r *BreakerRegistry) RecordSuccess(nodeType string) {
	if !r.config.Enabled {
		return
	}
	r.getOrCreate(nodeType).RecordSuccess()
}

// RecordFailure reports a failed execution of the node type.
func (r *BreakerRegistry) RecordFailure(nodeType string, now time.Time) {
	if !r.config.Enabled {
		return
	}
	r.getOrCreate(nodeType).RecordFailure(now)
}

// AbortTrial releases a half-open trial slot whose execution was cancelled
// before it could report an outcome.
func (r *BreakerRegistry) AbortTrial(nodeType string) {
	if !r.config.Enabled {
		return
	}
	r.mu.RLock()
	b, ok := r.breakers[nodeType]
	r.mu.RUnlock()
	if ok {
		b.AbortTrial()
	}
}

// Snapshot returns the state of one node type's breaker.
func (r *BreakerRegistry) Snapshot(nodeType string) (BreakerSnapshot, bool) {
	r.mu.RLock()
	b, ok := r.breakers[nodeType]
	r.mu.RUnlock()
	if !ok {
		return BreakerSnapshot{}, false
	}
	return b.Snapshot(), true
}

// Snapshots returns the state of every known breaker.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Reset returns one node type's breaker to Closed.
func (r *BreakerRegistry) Reset(nodeType string) bool {
	r.mu.RLock()
	b, ok := r.breakers[nodeType]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll returns every breaker to Closed.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

func (r *BreakerRegistry) getOrCreate(nodeType string) *breaker {
	r.mu.RLock()
	if b, ok := r.breakers[nodeType]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[nodeType]; ok {
		return b
	}
	b := newBreaker(nodeType, r.config, r.handler, r.logger)
	r.breakers[nodeType] = b
	return b
}
