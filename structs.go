package dbus

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// fieldPath locates a possibly promoted struct field. Every segment
// after the first starts by dereferencing a pointer to an embedded
// struct.
type fieldPath [][]int

// read returns the field of structVal at p. If p crosses a nil
// embedded pointer, read returns an unsettable zero value of typ.
func (p fieldPath) read(structVal reflect.Value, typ reflect.Type) reflect.Value {
	v := structVal
	for i, seg := range p {
		if i > 0 {
			if v.IsNil() {
				return reflect.Zero(typ)
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(seg)
	}
	return v
}

// write returns a settable field of structVal at p, allocating nil
// embedded pointers along the way.
func (p fieldPath) write(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, seg := range p {
		if i > 0 {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(seg)
	}
	return v
}

// wireField is one value of a struct's DBus encoding.
type wireField struct {
	Name string
	Type reflect.Type
	Path fieldPath

	// Dict is set when the field is a vardict map.
	Dict *vardict
}

func (f *wireField) read(v reflect.Value) reflect.Value  { return f.Path.read(v, f.Type) }
func (f *wireField) write(v reflect.Value) reflect.Value { return f.Path.write(v) }

func (f *wireField) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s at %v", f.Name, f.Type, f.Path)
	if f.Dict != nil {
		for _, k := range f.Dict.Keyed {
			fmt.Fprintf(&b, "\n  key %s: %s %s", k.Key, k.Name, k.Type)
			if k.EncodeZero {
				b.WriteString(" (encodeZero)")
			}
		}
	}
	return b.String()
}

// vardict is the layout of a map[K]Variant field and the struct
// fields bound to some of its keys.
type vardict struct {
	KeyType reflect.Type
	Compare func(a, b reflect.Value) int

	// Keyed is sorted by key.
	Keyed []*keyedField
	byKey map[string]*keyedField
}

// lookup returns the field bound to key, or nil.
func (d *vardict) lookup(key reflect.Value) *keyedField {
	return d.byKey[fmt.Sprint(key)]
}

// keyedField is a struct field that holds the vardict entry for one
// key. Zero values are treated as absent unless EncodeZero is set.
type keyedField struct {
	wireField
	Key        string
	KeyValue   reflect.Value
	EncodeZero bool
}

// structLayout is the DBus view of a Go struct type.
type structLayout struct {
	Type   reflect.Type
	Fields []*wireField
}

func (s *structLayout) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:", s.Type)
	for _, f := range s.Fields {
		b.WriteString("\n")
		b.WriteString(f.String())
	}
	return b.String()
}

var layouts cache[reflect.Type, *structLayout]

// layoutOf returns the cached structLayout of t.
func layoutOf(t reflect.Type) (*structLayout, error) {
	if ret, err := layouts.Get(t); !errors.Is(err, errNotFound) {
		return ret, err
	}
	ret, err := buildLayout(t)
	if err != nil {
		layouts.SetErr(t, err)
	} else {
		layouts.Set(t, ret)
	}
	return ret, err
}

// fieldTag is the parsed form of a `dbus:"..."` struct tag.
type fieldTag struct {
	Skip       bool
	Vardict    bool
	Key        string
	EncodeZero bool
}

func parseFieldTag(f reflect.StructField) fieldTag {
	var ret fieldTag
	raw := f.Tag.Get("dbus")
	if raw == "-" {
		ret.Skip = true
		return ret
	}
	for _, opt := range strings.Split(raw, ",") {
		switch {
		case opt == "vardict":
			ret.Vardict = true
		case opt == "encodeZero":
			ret.EncodeZero = true
		case strings.HasPrefix(opt, "key="):
			ret.Key = strings.TrimPrefix(opt, "key=")
			if ret.Key == "@" {
				ret.Key = f.Name
			}
		}
	}
	return ret
}

func buildLayout(t reflect.Type) (*structLayout, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%s is not a struct", t)
	}

	ret := &structLayout{Type: t}
	var (
		dict  *wireField
		keyed []*keyedField
	)
	for sf := range structFields(t) {
		if !sf.IsExported() {
			continue
		}
		tag := parseFieldTag(sf)
		if tag.Skip {
			continue
		}
		f := wireField{
			Name: sf.Name,
			Type: sf.Type,
			Path: allocSteps(t, sf.Index),
		}
		switch {
		case tag.Vardict:
			if dict != nil {
				return nil, fmt.Errorf("struct %s has more than one vardict map", t)
			}
			if f.Type.Kind() != reflect.Map || !mapKeyKinds.Has(f.Type.Key().Kind()) || f.Type.Elem() != variantType {
				return nil, fmt.Errorf("vardict map %s.%s must be a map[K]dbus.Variant", t, f.Name)
			}
			f.Dict = &vardict{
				KeyType: f.Type.Key(),
				Compare: mapKeyCmp(f.Type.Key()),
				byKey:   map[string]*keyedField{},
			}
			dict = &f
			ret.Fields = append(ret.Fields, dict)
		case tag.Key != "":
			keyed = append(keyed, &keyedField{
				wireField:  f,
				Key:        tag.Key,
				EncodeZero: tag.EncodeZero,
			})
		default:
			ret.Fields = append(ret.Fields, &f)
		}
	}

	if len(keyed) == 0 {
		return ret, nil
	}
	if dict == nil {
		return nil, fmt.Errorf("vardict fields declared in struct %s, but no map[K]dbus.Variant tagged with 'vardict'", t)
	}

	d := dict.Dict
	for _, kf := range keyed {
		kv, err := parseMapKey(d.KeyType, kf.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid key %q for vardict field %s.%s (expected type %s): %w", kf.Key, t, kf.Name, d.KeyType, err)
		}
		// Parsing canonicalizes, e.g. "TRUE" and "1" both become true.
		// fmt prints the underlying value of a reflect.Value.
		canon := fmt.Sprint(kv)
		if prev := d.byKey[canon]; prev != nil {
			return nil, fmt.Errorf("duplicate vardict key %q in struct %s, used by %s and %s", canon, t, kf.Name, prev.Name)
		}
		kf.Key, kf.KeyValue = canon, kv
		d.byKey[canon] = kf
		d.Keyed = append(d.Keyed, kf)
	}
	slices.SortFunc(d.Keyed, func(a, b *keyedField) int {
		return d.Compare(a.KeyValue, b.KeyValue)
	})

	return ret, nil
}

// parseMapKey converts s into a value of the map key type t.
func parseMapKey(t reflect.Type, s string) (reflect.Value, error) {
	bits := int(t.Size()) * 8
	switch t.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b).Convert(t), nil
	case reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(i).Convert(t), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(u).Convert(t), nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, bits)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(f).Convert(t), nil
	case reflect.String:
		return reflect.ValueOf(s).Convert(t), nil
	default:
		return reflect.Value{}, fmt.Errorf("invalid dbus map key type %s", t)
	}
}

// mapKeyCmp returns a comparison function for the given map key
// type, used to encode dictionaries in a stable order.
func mapKeyCmp(t reflect.Type) func(a, b reflect.Value) int {
	switch t.Kind() {
	case reflect.Bool:
		return func(a, b reflect.Value) int {
			return cmp.Compare(boolRank(a.Bool()), boolRank(b.Bool()))
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Int(), b.Int()) }
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Uint(), b.Uint()) }
	case reflect.Float32, reflect.Float64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Float(), b.Float()) }
	case reflect.String:
		return func(a, b reflect.Value) int { return cmp.Compare(a.String(), b.String()) }
	default:
		panic(fmt.Sprintf("invalid dbus map key type %s", t))
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
