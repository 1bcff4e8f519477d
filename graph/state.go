package graph

import (
	"fmt"
	"reflect"
	"sync"
)

// State is the shared data structure that flows through the graph. Each key
// is backed by one channel during execution.
type State map[string]any

// Clone returns a shallow copy of the state.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// StateReducer merges an existing field value with an update from one task.
// When several tasks of the same superstep write the same field, the writes
// fold through the reducer in task order; the order is deterministic per run
// but otherwise unspecified, so reducers should be commutative if write order
// must not affect the result.
type StateReducer func(existing, update any) any

// StateField defines one field of the state schema. A nil Reducer means
// overwrite semantics: a second same-superstep write to the field is an
// invalid update error.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool
}

// StateSchema defines the structure and merge behavior of graph state.
type StateSchema struct {
	mu     sync.RWMutex
	fields map[string]StateField
}

// NewStateSchema creates an empty state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{fields: make(map[string]StateField)}
}

// AddField adds a field to the schema.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[name] = field
	return s
}

// Field returns the definition of a named field.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[name]
	return f, ok
}

// FieldNames returns the names of all declared fields.
func (s *StateSchema) FieldNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	return names
}

// Validate checks a state against the schema's type and presence rules.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, field := range s.fields {
		value, exists := state[name]
		if field.Required && !exists {
			return fmt.Errorf("required field %s is missing", name)
		}
		if exists && value != nil && field.Type != nil {
			valueType := reflect.TypeOf(value)
			if !valueType.AssignableTo(field.Type) {
				return fmt.Errorf("field %s has wrong type: expected %v, got %v",
					name, field.Type, valueType)
			}
		}
	}
	return nil
}

// Common reducer functions.

// OverwriteReducer replaces the existing value with the update.
func OverwriteReducer(existing, update any) any {
	return update
}

// AppendReducer appends the update to an existing []any slice. A non-slice
// update is appended as a single element.
func AppendReducer(existing, update any) any {
	var acc []any
	if existing != nil {
		if s, ok := existing.([]any); ok {
			acc = s
		} else {
			acc = []any{existing}
		}
	}
	if update == nil {
		return acc
	}
	if s, ok := update.([]any); ok {
		return append(acc, s...)
	}
	return append(acc, update)
}

// StringSliceReducer appends string slices.
func StringSliceReducer(existing, update any) any {
	var acc []string
	if existing != nil {
		if s, ok := existing.([]string); ok {
			acc = s
		}
	}
	if s, ok := update.([]string); ok {
		return append(acc, s...)
	}
	return update
}

// MergeReducer merges an update map into an existing map.
func MergeReducer(existing, update any) any {
	existingMap, ok1 := existing.(map[string]any)
	updateMap, ok2 := update.(map[string]any)
	if !ok2 {
		return update
	}
	result := make(map[string]any, len(existingMap)+len(updateMap))
	if ok1 {
		for k, v := range existingMap {
			result[k] = v
		}
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}
