package graph

import (
	"reflect"
	"time"
)

// deepCopyAny copies common Go value shapes so snapshots handed to tasks and
// checkpoints handed to savers never alias live state.
func deepCopyAny(value any) any {
	if out, ok := deepCopyFastPath(value); ok {
		return out
	}
	visited := make(map[uintptr]any)
	return deepCopyReflect(reflect.ValueOf(value), visited)
}

// deepCopyState copies a State map.
func deepCopyState(s State) State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = deepCopyAny(v)
	}
	return out
}

// deepCopyFastPath handles the common JSON-friendly types without reflection.
func deepCopyFastPath(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, true
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, true
	case time.Time:
		return v, true
	case map[string]any:
		copied := make(map[string]any, len(v))
		for k, vv := range v {
			copied[k] = deepCopyAny(vv)
		}
		return copied, true
	case []any:
		copied := make([]any, len(v))
		for i := range v {
			copied[i] = deepCopyAny(v[i])
		}
		return copied, true
	case []string:
		copied := make([]string, len(v))
		copy(copied, v)
		return copied, true
	case []int:
		copied := make([]int, len(v))
		copy(copied, v)
		return copied, true
	case []float64:
		copied := make([]float64, len(v))
		copy(copied, v)
		return copied, true
	}
	return nil, false
}

// deepCopyReflect copies remaining kinds with cycle detection. Funcs and
// channels are zeroed rather than copied.
func deepCopyReflect(rv reflect.Value, visited map[uintptr]any) any {
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return deepCopyReflect(rv.Elem(), visited)
	case reflect.Ptr:
		return copyPointer(rv, visited)
	case reflect.Map:
		return copyMap(rv, visited)
	case reflect.Slice:
		return copySlice(rv, visited)
	case reflect.Array:
		return copyArray(rv, visited)
	case reflect.Struct:
		return copyStruct(rv, visited)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return reflect.Zero(rv.Type()).Interface()
	default:
		return rv.Interface()
	}
}

func copyPointer(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return nil
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	elem := rv.Elem()
	newPtr := reflect.New(elem.Type())
	visited[ptr] = newPtr.Interface()
	copied := deepCopyReflect(elem, visited)
	if copied != nil {
		cv := reflect.ValueOf(copied)
		if cv.Type().AssignableTo(elem.Type()) {
			newPtr.Elem().Set(cv)
		}
	}
	return newPtr.Interface()
}

func copyMap(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	newMap := reflect.MakeMapWithSize(rv.Type(), rv.Len())
	visited[ptr] = newMap.Interface()
	iter := rv.MapRange()
	for iter.Next() {
		newMap.SetMapIndex(iter.Key(), copiedValueFor(iter.Value(), visited))
	}
	return newMap.Interface()
}

func copySlice(rv reflect.Value, visited map[uintptr]any) any {
	if rv.IsNil() {
		return reflect.Zero(rv.Type()).Interface()
	}
	ptr := rv.Pointer()
	if cached, ok := visited[ptr]; ok {
		return cached
	}
	l := rv.Len()
	newSlice := reflect.MakeSlice(rv.Type(), l, l)
	visited[ptr] = newSlice.Interface()
	for i := 0; i < l; i++ {
		newSlice.Index(i).Set(copiedValueFor(rv.Index(i), visited))
	}
	return newSlice.Interface()
}

func copyArray(rv reflect.Value, visited map[uintptr]any) any {
	l := rv.Len()
	newArr := reflect.New(rv.Type()).Elem()
	for i := 0; i < l; i++ {
		newArr.Index(i).Set(copiedValueFor(rv.Index(i), visited))
	}
	return newArr.Interface()
}

func copyStruct(rv reflect.Value, visited map[uintptr]any) any {
	newStruct := reflect.New(rv.Type()).Elem()
	for i := 0; i < rv.NumField(); i++ {
		if rv.Type().Field(i).PkgPath != "" {
			continue // unexported
		}
		dst := newStruct.Field(i)
		if !dst.CanSet() {
			continue
		}
		dst.Set(copiedValueFor(rv.Field(i), visited))
	}
	return newStruct.Interface()
}

// copiedValueFor copies src and converts the result back to src's type,
// falling back to the zero value when the copy is not assignable.
func copiedValueFor(src reflect.Value, visited map[uintptr]any) reflect.Value {
	copied := deepCopyReflect(src, visited)
	if copied == nil {
		return reflect.Zero(src.Type())
	}
	cv := reflect.ValueOf(copied)
	if cv.Type().AssignableTo(src.Type()) {
		return cv
	}
	if cv.Type().ConvertibleTo(src.Type()) {
		return cv.Convert(src.Type())
	}
	return reflect.Zero(src.Type())
}
