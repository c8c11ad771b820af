// Package geoflow provides a top-level convenience entry point for running
// workflows in-process with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/geoflow"
//
//	eng, err := geoflow.New()
//	eng, err := geoflow.New(geoflow.WithLogger(logger), geoflow.WithMaxParallelNodes(4))
//	run, err := eng.Run(ctx, def)
//
// The returned engine keeps run history in memory and has the built-in
// geospatial nodes registered. Embedders that need durable storage, circuit
// breaker mirroring, or the admin API should wire the pieces themselves the
// way cmd/geoflow does.
package geoflow

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/internal/tlsutil"
	"github.com/BaSui01/geoflow/nodes"
	"github.com/BaSui01/geoflow/store"
)

type options struct {
	cfg        engine.Config
	logger     *zap.Logger
	httpClient *http.Client
	extraNodes map[string]engine.Factory
}

// Option configures the engine created by [New].
type Option func(*options)

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEngineConfig replaces the full engine configuration.
func WithEngineConfig(cfg engine.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithMaxParallelNodes bounds how many nodes execute concurrently per run.
func WithMaxParallelNodes(n int) Option {
	return func(o *options) { o.cfg.MaxParallelNodes = n }
}

// WithNodeTimeout sets the default per-attempt node timeout.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.DefaultNodeTimeout = d }
}

// WithHTTPClient overrides the HTTP client used by the built-in source node.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithNode registers an additional node type alongside the built-ins.
func WithNode(nodeType string, factory engine.Factory) Option {
	return func(o *options) {
		if o.extraNodes == nil {
			o.extraNodes = make(map[string]engine.Factory)
		}
		o.extraNodes[nodeType] = factory
	}
}

// New creates a ready-to-use [engine.Engine] backed by an in-memory store.
func New(opts ...Option) (*engine.Engine, error) {
	o := options{cfg: engine.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.httpClient == nil {
		o.httpClient = tlsutil.SecureHTTPClient(30 * time.Second)
	}

	registry := engine.NewRegistry(o.logger)
	nodes.RegisterDefaults(registry, nodes.Deps{
		HTTPClient: o.httpClient,
		Logger:     o.logger,
	})
	for nodeType, factory := range o.extraNodes {
		registry.Register(nodeType, factory)
	}

	breakers := engine.NewBreakerRegistry(o.cfg.Breaker, nil, o.logger)

	return engine.New(o.cfg, engine.Options{
		Registry: registry,
		Breakers: breakers,
		RunStore: store.NewMemoryStore(),
		Logger:   o.logger,
	})
}
