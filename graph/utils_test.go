package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepCopyNestedMaps(t *testing.T) {
	original := map[string]any{
		"list":   []any{1, "two", map[string]any{"k": "v"}},
		"nested": map[string]any{"inner": []string{"a", "b"}},
	}

	copied := deepCopyAny(original).(map[string]any)
	copied["list"].([]any)[2].(map[string]any)["k"] = "mutated"
	copied["nested"].(map[string]any)["inner"].([]string)[0] = "mutated"

	assert.Equal(t, "v", original["list"].([]any)[2].(map[string]any)["k"])
	assert.Equal(t, "a", original["nested"].(map[string]any)["inner"].([]string)[0])
}

func TestDeepCopyStructsAndPointers(t *testing.T) {
	type inner struct{ N int }
	type outer struct {
		Name string
		In   *inner
	}

	original := &outer{Name: "x", In: &inner{N: 1}}
	copied := deepCopyAny(original).(*outer)
	require.NotSame(t, original, copied)
	require.NotSame(t, original.In, copied.In)

	copied.In.N = 99
	assert.Equal(t, 1, original.In.N)
}

func TestDeepCopyHandlesCycles(t *testing.T) {
	type node struct {
		Next *node
	}
	a := &node{}
	a.Next = a

	copied := deepCopyAny(a).(*node)
	assert.Same(t, copied, copied.Next)
}

func TestDeepCopyZeroesFuncs(t *testing.T) {
	original := map[string]any{"fn": func() {}}
	copied := deepCopyAny(original).(map[string]any)
	assert.Nil(t, copied["fn"])
}

func TestDeepCopyState(t *testing.T) {
	assert.Nil(t, deepCopyState(nil))

	original := State{"items": []any{"a"}}
	copied := deepCopyState(original)
	copied["items"].([]any)[0] = "b"
	assert.Equal(t, "a", original["items"].([]any)[0])
}
