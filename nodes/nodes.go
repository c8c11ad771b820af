package nodes

import (
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/geoflow/engine"
)

// Deps carries the shared infrastructure the built-in nodes use. Any field
// may be nil; nodes that need a missing dependency fail at execution with a
// configuration error rather than at registration.
type Deps struct {
	HTTPClient *http.Client
	DB         *gorm.DB
	Logger     *zap.Logger
}

// RegisterDefaults registers the built-in node types on the registry.
func RegisterDefaults(r *engine.Registry, deps Deps) {
	r.Register(TypeHTTPSource, func() (engine.Executor, error) {
		return NewHTTPSource(deps.HTTPClient, deps.Logger), nil
	})
	r.Register(TypeFilter, func() (engine.Executor, error) {
		return NewFilter(), nil
	})
	r.Register(TypeFieldMap, func() (engine.Executor, error) {
		return NewFieldMap(), nil
	})
	r.Register(TypeDatabaseSink, func() (engine.Executor, error) {
		return NewDatabaseSink(deps.DB, deps.Logger), nil
	})
}
