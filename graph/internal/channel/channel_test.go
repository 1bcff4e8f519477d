package channel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBeforeAnyWrite(t *testing.T) {
	ch := New("results", nil)

	assert.False(t, ch.IsAvailable())
	_, err := ch.Get()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestOverwriteUpdateBumpsVersion(t *testing.T) {
	ch := New("answer", nil)

	changed, err := ch.Update([]any{"first"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 1, ch.Version())

	changed, err = ch.Update([]any{"second"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 2, ch.Version())

	v, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestEmptyUpdateIsNoop(t *testing.T) {
	ch := New("answer", nil)
	changed, err := ch.Update(nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, ch.IsAvailable())
	assert.EqualValues(t, 0, ch.Version())
}

func TestConflictWithoutReducer(t *testing.T) {
	ch := New("answer", nil)
	_, err := ch.Update([]any{"a", "b"})
	assert.ErrorIs(t, err, ErrConflict)
	// A failed update must not make the channel available.
	assert.False(t, ch.IsAvailable())
}

func TestReducerFoldsInOrder(t *testing.T) {
	appendAll := func(existing, update any) any {
		var acc []any
		if existing != nil {
			acc = existing.([]any)
		}
		return append(acc, update)
	}
	ch := New("items", appendAll)

	_, err := ch.Update([]any{"a", "b"})
	require.NoError(t, err)
	_, err = ch.Update([]any{"c"})
	require.NoError(t, err)

	v, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)
	assert.EqualValues(t, 2, ch.Version())
}

func TestRestore(t *testing.T) {
	ch := New("counter", nil)
	ch.Restore(41, 7)

	assert.True(t, ch.IsAvailable())
	assert.EqualValues(t, 7, ch.Version())
	v, err := ch.Get()
	require.NoError(t, err)
	assert.Equal(t, 41, v)
}

func TestManagerValuesAndVersions(t *testing.T) {
	m := NewManager()
	m.Add("a", nil)
	m.Add("b", nil)

	chA, ok := m.Get("a")
	require.True(t, ok)
	_, err := chA.Update([]any{1})
	require.NoError(t, err)

	values := m.Values()
	assert.Equal(t, map[string]any{"a": 1}, values)

	versions := m.Versions()
	assert.Equal(t, map[string]int64{"a": 1}, versions)

	_, err = m.Read("b")
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = m.Read("missing")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestManagerAddKeepsExisting(t *testing.T) {
	m := NewManager()
	first := m.Add("a", nil)
	_, err := first.Update([]any{"x"})
	require.NoError(t, err)

	again := m.Add("a", nil)
	assert.Same(t, first, again)
	assert.True(t, again.IsAvailable())
}

func TestManagerRestore(t *testing.T) {
	m := NewManager()
	m.Restore(
		map[string]any{"a": "x", "b": 2},
		map[string]int64{"a": 3, "b": 5},
	)

	v, err := m.Read("a")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	assert.Equal(t, map[string]int64{"a": 3, "b": 5}, m.Versions())
}

func TestErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrConflict, ErrEmpty))
}
