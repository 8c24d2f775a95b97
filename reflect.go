package dbus

import (
	"fmt"
	"iter"
	"reflect"
	"slices"
)

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// allocSteps partitions a multi-hop traversal of struct fields into
// segments that end at either the final value, or at a struct pointer
// that might be nil.
//
// The result is a [fieldPath].
func allocSteps(t reflect.Type, idx []int) [][]int {
	var ret [][]int
	prev := 0
	t = t.Field(idx[0]).Type
	for i := 1; i < len(idx); i++ {
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
			// Hop through a struct pointer that might be nil, cut.
			ret = append(ret, idx[prev:i])
			prev = i
			t = t.Elem()
		}
		t = t.Field(idx[i]).Type
	}
	ret = append(ret, idx[prev:])
	return ret
}

// structFields iterates over the fields of t in declaration order,
// descending into embedded structs. Promoted fields that Go hides,
// because a shallower field has the same name or because the name is
// ambiguous, are skipped. Each yielded field's Index is the full path
// from t.
func structFields(t reflect.Type) iter.Seq[reflect.StructField] {
	visible := map[string]bool{}
	for _, f := range reflect.VisibleFields(t) {
		visible[fmt.Sprint(f.Index)] = true
	}
	return func(yield func(reflect.StructField) bool) {
		walkFields(t, nil, []reflect.Type{t}, visible, yield)
	}
}

func walkFields(t reflect.Type, idx []int, chain []reflect.Type, visible map[string]bool, yield func(reflect.StructField) bool) bool {
	for i := range t.NumField() {
		f := t.Field(i)
		path := append(slices.Clip(idx), i)
		if f.Anonymous {
			at := f.Type
			if at.Kind() == reflect.Pointer {
				at = at.Elem()
			}
			if at.Kind() == reflect.Struct {
				if slices.Contains(chain, at) {
					// Embedding cycle, the promoted fields were
					// already visited at a shallower depth.
					continue
				}
				if !walkFields(at, path, append(slices.Clip(chain), at), visible, yield) {
					return false
				}
				continue
			}
		}
		if !visible[fmt.Sprint(path)] {
			continue
		}
		f.Index = path
		if !yield(f) {
			return false
		}
	}
	return true
}
