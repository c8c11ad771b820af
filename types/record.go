package types

// Record is a single data record flowing between nodes, typically one
// feature's attributes and geometry as decoded JSON. The engine does not
// interpret geospatial semantics; records are opaque key/value payloads.
type Record map[string]any

// Clone returns a shallow copy of the record. Nodes that rewrite fields
// clone first so upstream outputs retained for dead-letter resumption are
// never mutated in place.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RecordsFromAny coerces a retained node output back into records. Outputs
// held in memory are []Record; outputs reloaded from JSON persistence come
// back as []any of map[string]any.
func RecordsFromAny(v any) ([]Record, bool) {
	switch out := v.(type) {
	case nil:
		return nil, false
	case []Record:
		return out, true
	case []any:
		recs := make([]Record, 0, len(out))
		for _, item := range out {
			switch rec := item.(type) {
			case Record:
				recs = append(recs, rec)
			case map[string]any:
				recs = append(recs, Record(rec))
			default:
				return nil, false
			}
		}
		return recs, true
	default:
		return nil, false
	}
}
