package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeContext_OverridesAndAppends(t *testing.T) {
	current := map[string]any{
		"destination":    "clinic",
		"execution_path": []any{"a"},
	}
	updates := map[string]any{
		"destination":    "pharmacy",
		"execution_path": []any{"b"},
		"eta":            "30min",
	}

	merged, err := MergeContext(current, updates)
	require.NoError(t, err)

	assert.Equal(t, "pharmacy", merged["destination"])
	assert.Equal(t, "30min", merged["eta"])
	assert.Equal(t, []any{"a", "b"}, merged["execution_path"])
}

func TestMergeContext_NilCurrent(t *testing.T) {
	merged, err := MergeContext(nil, map[string]any{"k": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, merged["k"])
}

func TestCloneMap_DoesNotAlias(t *testing.T) {
	in := map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{"x"}}
	out := CloneMap(in)

	out["nested"].(map[string]any)["k"] = "changed"
	out["list"].([]any)[0] = "y"

	assert.Equal(t, "v", in["nested"].(map[string]any)["k"])
	assert.Equal(t, "x", in["list"].([]any)[0])
}
