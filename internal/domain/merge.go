package domain

import (
	"dario.cat/mergo"
)

// MergeContext overlays updates onto current. Later values win and slices append.
func MergeContext(current, updates map[string]any) (map[string]any, error) {
	if len(updates) == 0 {
		return current, nil
	}
	if current == nil {
		current = make(map[string]any, len(updates))
	}

	if err := mergo.Merge(&current, CloneMap(updates),
		mergo.WithOverride,
		mergo.WithAppendSlice); err != nil {
		return nil, NewStoreError("merge", "context", err)
	}
	return current, nil
}

// CloneMap copies nested maps and slices so callers cannot alias stored values.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

// CloneValue deep-copies a single context value.
func CloneValue(v any) any {
	return cloneValue(v)
}
