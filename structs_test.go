package dbus

import (
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLayoutErrors(t *testing.T) {
	type noMap struct {
		A string `dbus:"key=a"`
	}
	type twoMaps struct {
		A map[string]Variant `dbus:"vardict"`
		B map[string]Variant `dbus:"vardict"`
	}
	type badMap struct {
		A map[string]string `dbus:"vardict"`
	}
	type dupKey struct {
		M map[bool]Variant `dbus:"vardict"`
		A uint32           `dbus:"key=true"`
		B uint32           `dbus:"key=1"`
	}
	type badKey struct {
		M map[uint8]Variant `dbus:"vardict"`
		A string            `dbus:"key=300"`
	}

	for _, v := range []any{noMap{}, twoMaps{}, badMap{}, dupKey{}, badKey{}} {
		if _, err := layoutOf(reflect.TypeOf(v)); err == nil {
			t.Errorf("layoutOf(%T) succeeded, want error", v)
		}
	}
}

func TestLayoutKeys(t *testing.T) {
	type keyed struct {
		Skip  string `dbus:"-"`
		First string
		M     map[uint16]Variant `dbus:"vardict"`
		Z     string             `dbus:"key=20"`
		A     bool               `dbus:"key=3,encodeZero"`
	}
	l, err := layoutOf(reflect.TypeFor[keyed]())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(l.Fields); got != 2 {
		t.Fatalf("got %d wire fields, want 2:\n%s", got, l)
	}
	d := l.Fields[1].Dict
	if d == nil {
		t.Fatalf("second field is not a vardict:\n%s", l)
	}
	var keys []string
	for _, k := range d.Keyed {
		keys = append(keys, k.Key)
	}
	if len(keys) != 2 || keys[0] != "3" || keys[1] != "20" {
		t.Errorf("keyed fields in wrong order: %v", keys)
	}
	if !d.Keyed[0].EncodeZero || d.Keyed[1].EncodeZero {
		t.Errorf("wrong encodeZero flags:\n%s", l)
	}
	if d.lookup(reflect.ValueOf(uint16(20))) == nil {
		t.Error("lookup of key 20 failed")
	}
}

func TestLayoutShadowing(t *testing.T) {
	type left struct{ A, L int16 }
	type right struct {
		A int16
		C byte
	}
	type ambiguous struct {
		left
		right
	}
	type viaPointer struct {
		*Simple
		B byte
	}

	type field struct {
		Name string
		Path fieldPath
	}
	tests := []struct {
		v    any
		want []field
	}{
		{EmbeddedShadow{}, []field{{"A", fieldPath{{0, 0}}}, {"B", fieldPath{{1}}}}},
		{ambiguous{}, []field{{"L", fieldPath{{0, 1}}}, {"C", fieldPath{{1, 1}}}}},
		{viaPointer{}, []field{{"A", fieldPath{{0}, {0}}}, {"B", fieldPath{{1}}}}},
	}
	for _, tc := range tests {
		l, err := layoutOf(reflect.TypeOf(tc.v))
		if err != nil {
			t.Errorf("layoutOf(%T) failed: %v", tc.v, err)
			continue
		}
		var got []field
		for _, f := range l.Fields {
			got = append(got, field{f.Name, f.Path})
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("layoutOf(%T) wrong fields (-got+want):\n%s", tc.v, diff)
		}
	}
}
