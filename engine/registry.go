package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/types"
)

// Executor is the node execution contract consumed from external node
// implementations. A concrete executor implements exactly one of
// BatchExecutor or StreamingExecutor; the engine chains either contract to
// either, materializing only when a streaming producer feeds a batch-only
// consumer.
type Executor interface {
	executorMarker()
}

// BatchExecutor accepts a materialized input collection and returns a
// materialized output collection.
type BatchExecutor interface {
	Executor
	ExecuteBatch(ctx context.Context, input []types.Record, params map[string]any) ([]types.Record, error)
}

// StreamingExecutor accepts a lazy, finite, non-restartable input sequence
// and produces a lazy, finite, non-restartable output sequence. OpenStream
// returns once the output is ready to be pulled; errors during pulls
// surface at the consumer.
type StreamingExecutor interface {
	Executor
	OpenStream(ctx context.Context, input Stream, params map[string]any) (Stream, error)
}

// BatchBase and StreamBase give node implementations the contract marker.
type (
	BatchBase  struct{}
	StreamBase struct{}
)

func (BatchBase) executorMarker()  {}
func (StreamBase) executorMarker() {}

// Factory produces a fresh executor instance per node execution.
type Factory func() (Executor, error)

// Registry maps node-type identifiers to executor factories. Every node
// type in a definition is validated at workflow-load time so unknown types
// fail before execution begins, not mid-run.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty node registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With(zap.String("component", "node_registry")),
	}
}

// Register binds a node type to a factory. Re-registering a type replaces
// the previous factory.
func (r *Registry) Register(nodeType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[nodeType]; exists {
		r.logger.Warn("replacing node type registration", zap.String("node_type", nodeType))
	}
	r.factories[nodeType] = factory
}

// Resolve produces an executor for the node type.
func (r *Registry) Resolve(nodeType string) (Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", nodeType)
	}
	exec, err := factory()
	if err != nil {
		return nil, fmt.Errorf("node type %s factory: %w", nodeType, err)
	}
	return exec, nil
}

// Has reports whether the node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[nodeType]
	return ok
}

// Types returns all registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateDefinition checks that every node type in the definition resolves
// to a registered factory.
func (r *Registry) ValidateDefinition(def *types.WorkflowDefinition) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range def.Nodes {
		if _, ok := r.factories[n.Type]; !ok {
			return &types.GraphError{
				WorkflowID: def.ID,
				Reason:     fmt.Sprintf("node %s uses unregistered type: %s", n.ID, n.Type),
			}
		}
	}
	return nil
}
