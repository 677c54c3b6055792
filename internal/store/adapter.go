package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// ReflectAdapter is the default Adapter: it walks the exported fields of
// T via reflection, keying each by its `mailboat:"name"` struct tag (or
// the lowercased field name if the tag is absent), and rebuilds T by
// name-keyed construction on read. A field tagged `mailboat:"-"` is
// skipped entirely (used for in-memory-only fields, if any).
type ReflectAdapter[T any] struct{}

// NewReflectAdapter builds the default structural adapter for T. T must
// be a struct type (not a pointer to struct).
func NewReflectAdapter[T any]() ReflectAdapter[T] {
	return ReflectAdapter[T]{}
}

func fieldKey(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("mailboat")
	if tag == "-" {
		return "", false
	}
	if tag != "" {
		return strings.SplitN(tag, ",", 2)[0], true
	}
	return strings.ToLower(f.Name), true
}

func (ReflectAdapter[T]) ToDoc(v T) Doc {
	rv := reflect.ValueOf(v)
	rt := rv.Type()
	doc := make(Doc, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		key, ok := fieldKey(f)
		if !ok {
			continue
		}
		doc[key] = normalize(rv.Field(i).Interface())
	}
	return doc
}

func (ReflectAdapter[T]) FromDoc(d Doc) (T, error) {
	var out T
	rv := reflect.ValueOf(&out).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" {
			continue
		}
		key, ok := fieldKey(f)
		if !ok {
			continue
		}
		raw, present := d[key]
		if !present || raw == nil {
			continue
		}
		if err := assign(rv.Field(i), raw); err != nil {
			return out, fmt.Errorf("store: field %s: %w", f.Name, err)
		}
	}
	return out, nil
}

// normalize round-trips a value through JSON so later equality checks
// (match) and storage both see the same canonical shape (numbers as
// float64, etc), matching how the on-disk engine actually stores it.
func normalize(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func valuesEqual(a, b interface{}) bool {
	na, nb := normalize(a), normalize(b)
	ab, _ := json.Marshal(na)
	bb, _ := json.Marshal(nb)
	return string(ab) == string(bb)
}

// assign sets dst (a struct field) from a JSON-decoded raw value,
// re-marshaling/unmarshaling through the concrete field type to handle
// the usual JSON-decode shapes (float64 for numbers, []interface{} for
// slices, map[string]interface{} for nested maps).
func assign(dst reflect.Value, raw interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	ptr := reflect.New(dst.Type())
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return err
	}
	dst.Set(ptr.Elem())
	return nil
}
