package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/types"
)

// TypeFilter is the registered type name of the streaming attribute filter.
const TypeFilter = "features.filter"

// Filter passes through records whose attribute matches a predicate and
// drops the rest. It is streaming: one upstream record is pulled per
// downstream pull, so arbitrarily large inputs filter in constant memory.
//
// Parameters:
//
//	field  attribute to test (required)
//	op     eq, ne, gt, gte, lt, lte, exists, not_exists, contains, in (default eq)
//	value  comparison operand (required except for exists/not_exists)
type Filter struct {
	engine.StreamBase
}

// NewFilter builds a streaming attribute filter.
func NewFilter() *Filter { return &Filter{} }

// OpenStream validates the predicate eagerly so a bad definition fails the
// node before the first pull.
func (f *Filter) OpenStream(_ context.Context, input engine.Stream, params map[string]any) (engine.Stream, error) {
	field, err := requiredString(params, "field")
	if err != nil {
		return nil, err
	}
	op, err := optionalString(params, "op", "eq")
	if err != nil {
		return nil, err
	}
	value, hasValue := params["value"]

	pred, err := buildPredicate(op, value, hasValue)
	if err != nil {
		return nil, err
	}

	return engine.FuncStream(func(ctx context.Context) (types.Record, error) {
		for {
			rec, err := input.Next(ctx)
			if err != nil {
				return nil, err
			}
			got, present := rec[field]
			if pred(got, present) {
				return rec, nil
			}
		}
	}, input.Close), nil
}

type predicate func(got any, present bool) bool

func buildPredicate(op string, value any, hasValue bool) (predicate, error) {
	switch op {
	case "exists":
		return func(_ any, present bool) bool { return present }, nil
	case "not_exists":
		return func(_ any, present bool) bool { return !present }, nil
	}

	if !hasValue {
		return nil, fmt.Errorf("node misconfigured: op %q requires parameter \"value\"", op)
	}

	switch op {
	case "eq":
		return func(got any, present bool) bool { return present && looseEqual(got, value) }, nil
	case "ne":
		return func(got any, present bool) bool { return !present || !looseEqual(got, value) }, nil
	case "gt", "gte", "lt", "lte":
		return func(got any, present bool) bool {
			if !present {
				return false
			}
			cmp, ok := compare(got, value)
			if !ok {
				return false
			}
			switch op {
			case "gt":
				return cmp > 0
			case "gte":
				return cmp >= 0
			case "lt":
				return cmp < 0
			default:
				return cmp <= 0
			}
		}, nil
	case "contains":
		want := fmt.Sprintf("%v", value)
		return func(got any, present bool) bool {
			if !present {
				return false
			}
			s, ok := got.(string)
			return ok && strings.Contains(s, want)
		}, nil
	case "in":
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("node misconfigured: op \"in\" requires parameter \"value\" to be a list")
		}
		return func(got any, present bool) bool {
			if !present {
				return false
			}
			for _, item := range items {
				if looseEqual(got, item) {
					return true
				}
			}
			return false
		}, nil
	default:
		return nil, fmt.Errorf("node misconfigured: unknown filter op %q", op)
	}
}

// looseEqual compares across the numeric types JSON decoding produces, so a
// definition's value: 42 matches a record's float64(42).
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

// compare returns -1/0/1 for ordered types, or ok=false when the operands
// are not comparable.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
