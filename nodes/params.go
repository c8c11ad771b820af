package nodes

import "fmt"

// Parameter accessors shared by the built-in nodes. Missing required
// parameters and wrong-typed values both surface as configuration failures,
// which the engine never retries.

func requiredString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("node misconfigured: missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("node misconfigured: parameter %q must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("node misconfigured: parameter %q must be a string", key)
	}
	return s, nil
}

// optionalInt tolerates float64 because JSON-decoded definitions carry all
// numbers as floats.
func optionalInt(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("node misconfigured: parameter %q must be a number", key)
	}
}

func optionalStringSlice(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}
	switch items := v.(type) {
	case []string:
		return items, nil
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("node misconfigured: parameter %q must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("node misconfigured: parameter %q must be a list of strings", key)
	}
}

func optionalStringMap(params map[string]any, key string) (map[string]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]string:
		out := make(map[string]string, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("node misconfigured: parameter %q must map strings to strings", key)
			}
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("node misconfigured: parameter %q must be a string map", key)
	}
}

func optionalAnyMap(params map[string]any, key string) (map[string]any, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("node misconfigured: parameter %q must be a map", key)
	}
	return m, nil
}
