package graph

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateClone(t *testing.T) {
	original := State{"a": 1, "b": "two"}
	clone := original.Clone()
	clone["a"] = 99
	assert.Equal(t, 1, original["a"])
	assert.Equal(t, "two", clone["b"])
}

func TestStateSchemaValidate(t *testing.T) {
	schema := NewStateSchema().
		AddField("name", StateField{Type: reflect.TypeOf(""), Required: true}).
		AddField("count", StateField{Type: reflect.TypeOf(0)})

	require.NoError(t, schema.Validate(State{"name": "x", "count": 3}))
	require.NoError(t, schema.Validate(State{"name": "x"}))

	assert.Error(t, schema.Validate(State{"count": 3}), "missing required field")
	assert.Error(t, schema.Validate(State{"name": 42}), "wrong type")
}

func TestStateSchemaFieldNames(t *testing.T) {
	schema := NewStateSchema().
		AddField("a", StateField{}).
		AddField("b", StateField{})
	assert.ElementsMatch(t, []string{"a", "b"}, schema.FieldNames())

	field, ok := schema.Field("a")
	require.True(t, ok)
	assert.Nil(t, field.Reducer)

	_, ok = schema.Field("missing")
	assert.False(t, ok)
}

func TestOverwriteReducer(t *testing.T) {
	assert.Equal(t, "new", OverwriteReducer("old", "new"))
	assert.Nil(t, OverwriteReducer("old", nil))
}

func TestAppendReducer(t *testing.T) {
	acc := AppendReducer(nil, "a")
	acc = AppendReducer(acc, "b")
	acc = AppendReducer(acc, []any{"c", "d"})
	assert.Equal(t, []any{"a", "b", "c", "d"}, acc)

	// A scalar existing value is promoted to a slice.
	assert.Equal(t, []any{"x", "y"}, AppendReducer("x", "y"))
	assert.Equal(t, []any{"x"}, AppendReducer("x", nil))
}

func TestStringSliceReducer(t *testing.T) {
	acc := StringSliceReducer(nil, []string{"a"})
	acc = StringSliceReducer(acc, []string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, acc)
}

func TestMergeReducer(t *testing.T) {
	merged := MergeReducer(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": 3, "c": 4},
	)
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, merged)

	// A non-map update replaces the value outright.
	assert.Equal(t, "plain", MergeReducer(map[string]any{"a": 1}, "plain"))
}
