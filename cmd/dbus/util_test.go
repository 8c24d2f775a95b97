package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/corebus/dbus"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"hello", "hello"},
		{"s:hello", "hello"},
		{"s:a:b", "a:b"},
		{"u:42", uint32(42)},
		{"i:-7", int32(-7)},
		{"y:0xff", uint8(255)},
		{"b:true", true},
		{"x:-1", int64(-1)},
		{"t:1", uint64(1)},
		{"d:1.5", 1.5},
		{"o:/org/test", dbus.ObjectPath("/org/test")},
		{"http://x", "http://x"},
	}
	for _, tc := range tests {
		got, err := parseArg(tc.in)
		if err != nil {
			t.Errorf("parseArg(%q): %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("parseArg(%q) wrong (-got+want):\n%s", tc.in, diff)
		}
	}

	for _, in := range []string{"u:-1", "y:256", "b:maybe", "o:relative", "i:x"} {
		if got, err := parseArg(in); err == nil {
			t.Errorf("parseArg(%q) = %v, want error", in, got)
		}
	}
}
