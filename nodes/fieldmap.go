package nodes

import (
	"context"
	"fmt"

	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/types"
)

// TypeFieldMap is the registered type name of the streaming field mapper.
const TypeFieldMap = "features.fieldmap"

// FieldMap rewrites record attributes in flight: renames fields, drops
// fields, and fills defaults for missing ones. Records are cloned before
// rewriting; upstream outputs retained for resumption stay untouched.
//
// Parameters (at least one required):
//
//	rename    map of old field name to new field name
//	drop      list of fields to remove
//	defaults  values assigned to fields that are absent
type FieldMap struct {
	engine.StreamBase
}

// NewFieldMap builds a streaming field mapper.
func NewFieldMap() *FieldMap { return &FieldMap{} }

// OpenStream wraps the input in a per-record rewrite.
func (m *FieldMap) OpenStream(_ context.Context, input engine.Stream, params map[string]any) (engine.Stream, error) {
	rename, err := optionalStringMap(params, "rename")
	if err != nil {
		return nil, err
	}
	drop, err := optionalStringSlice(params, "drop")
	if err != nil {
		return nil, err
	}
	defaults, err := optionalAnyMap(params, "defaults")
	if err != nil {
		return nil, err
	}
	if len(rename) == 0 && len(drop) == 0 && len(defaults) == 0 {
		return nil, fmt.Errorf("node misconfigured: fieldmap requires at least one of rename, drop, defaults")
	}
	for old, renamed := range rename {
		if renamed == "" {
			return nil, fmt.Errorf("node misconfigured: rename target for %q is empty", old)
		}
	}

	return engine.FuncStream(func(ctx context.Context) (types.Record, error) {
		rec, err := input.Next(ctx)
		if err != nil {
			return nil, err
		}
		out := rec.Clone()
		for old, renamed := range rename {
			if v, ok := out[old]; ok {
				delete(out, old)
				out[renamed] = v
			}
		}
		for _, field := range drop {
			delete(out, field)
		}
		for field, v := range defaults {
			if _, ok := out[field]; !ok {
				out[field] = v
			}
		}
		return out, nil
	}, input.Close), nil
}
