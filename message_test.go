package dbus

import (
	"errors"
	"testing"

	"github.com/corebus/dbus/fragments"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var msgCmpOpts = []cmp.Option{
	cmpopts.IgnoreFields(Message{}, "Order"),
	cmpopts.EquateComparable(Signature{}),
	cmpopts.EquateEmpty(),
}

func TestMessageRoundTrip(t *testing.T) {
	for _, ord := range []fragments.ByteOrder{fragments.BigEndian, fragments.LittleEndian} {
		call := NewMethodCall("org.example.Echo", "/org/example/Echo", "org.example.Echo", "Echo")
		call.Order = ord
		call.Serial = 42
		call.Sender = ":1.7"
		call.Flags = FlagAllowInteractiveAuthorization
		if err := call.SetBody("hello", uint32(7), []Simple{{1, true}}); err != nil {
			t.Fatalf("SetBody: %v", err)
		}
		if got, want := call.Signature.String(), "sua(nb)"; got != want {
			t.Fatalf("body signature = %q, want %q", got, want)
		}

		raw, err := call.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if got, want := raw[0], fragments.Flag(ord); got != want {
			t.Errorf("byte order flag = %q, want %q", got, want)
		}
		if bodyStart := len(raw) - len(call.Body); bodyStart%8 != 0 {
			t.Errorf("body starts at offset %d, want 8-byte aligned", bodyStart)
		}

		got, err := DecodeMessage(raw, nil)
		if err != nil {
			t.Fatalf("DecodeMessage: %v", err)
		}
		if got.Order != ord {
			t.Errorf("decoded byte order = %v, want %v", got.Order, ord)
		}
		if diff := cmp.Diff(got, call, msgCmpOpts...); diff != "" {
			t.Errorf("message round trip wrong (-got+want):\n%s", diff)
		}
		if !got.WantReply() || !got.CanInteract() {
			t.Errorf("decoded call has WantReply=%v CanInteract=%v, want true, true", got.WantReply(), got.CanInteract())
		}

		var (
			s  string
			u  uint32
			ss []Simple
		)
		if err := got.Decode(&s, &u, &ss); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if s != "hello" || u != 7 || len(ss) != 1 || ss[0] != (Simple{1, true}) {
			t.Errorf("Decode got (%q, %d, %v)", s, u, ss)
		}
	}
}

func TestMessageDecodeStruct(t *testing.T) {
	m := NewSignal("/a", "org.example.Thing", "Changed")
	if err := m.SetBody(int16(3), true); err != nil {
		t.Fatal(err)
	}
	var got Simple
	if err := m.Decode(&got); err != nil {
		t.Fatalf("Decode into struct: %v", err)
	}
	if want := (Simple{3, true}); got != want {
		t.Errorf("Decode into struct got %v, want %v", got, want)
	}

	var wrong string
	if err := m.Decode(&wrong); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("Decode with wrong type got err %v, want ErrSignatureMismatch", err)
	}
}

func TestMessageArgs(t *testing.T) {
	m := NewSignal("/a", "org.example.Thing", "Changed")
	if err := m.SetBody("x", map[string]Variant{"k": {uint8(1)}}); err != nil {
		t.Fatal(err)
	}
	got, err := m.Args()
	if err != nil {
		t.Fatalf("Args: %v", err)
	}
	want := []any{"x", map[string]Variant{"k": {uint8(1)}}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Args wrong (-got+want):\n%s", diff)
	}
}

func TestMessageErrorReply(t *testing.T) {
	call := NewMethodCall("", "/", "org.example.Foo", "Bar")
	call.Serial = 9
	call.Sender = ":1.1"
	reply := NewError(call, NewCallError(ErrNameUnknownMethod, "no method %s", "Bar"))
	reply.Serial = 10
	raw, err := reply.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeMessage(raw, nil)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got.ReplySerial != 9 || got.Destination != ":1.1" || got.ErrorName != ErrNameUnknownMethod {
		t.Errorf("error reply header wrong: %s", got)
	}
	var detail string
	if err := got.Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail != "no method Bar" {
		t.Errorf("error detail = %q", detail)
	}
	if got.WantReply() {
		t.Error("error reply wants a reply")
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"call", Message{Type: TypeMethodCall, Path: "/", Member: "M"}, true},
		{"call no path", Message{Type: TypeMethodCall, Member: "M"}, false},
		{"call no member", Message{Type: TypeMethodCall, Path: "/"}, false},
		{"call bad path", Message{Type: TypeMethodCall, Path: "x/", Member: "M"}, false},
		{"call bad member", Message{Type: TypeMethodCall, Path: "/", Member: "M.N"}, false},
		{"call bad iface", Message{Type: TypeMethodCall, Path: "/", Member: "M", Interface: "Single"}, false},
		{"signal", Message{Type: TypeSignal, Path: "/", Interface: "a.b", Member: "S"}, true},
		{"signal no iface", Message{Type: TypeSignal, Path: "/", Member: "S"}, false},
		{"return", Message{Type: TypeMethodReturn, ReplySerial: 1}, true},
		{"return no reply serial", Message{Type: TypeMethodReturn}, false},
		{"error", Message{Type: TypeErrorReply, ErrorName: "a.b", ReplySerial: 1}, true},
		{"error no name", Message{Type: TypeErrorReply, ReplySerial: 1}, false},
		{"unknown type", Message{Type: 9}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want ok", err)
			}
			if !tc.ok && !errors.Is(err, fragments.ErrMalformed) {
				t.Fatalf("Validate() = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	call := NewMethodCall("", "/", "", "Ping")
	call.Order = fragments.LittleEndian
	call.Serial = 1
	call.SetBody("payload")
	good, err := call.Encode()
	if err != nil {
		t.Fatal(err)
	}

	edit := func(f func([]byte) []byte) []byte {
		ret := append([]byte(nil), good...)
		return f(ret)
	}
	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{"bad version", edit(func(b []byte) []byte { b[3] = 2; return b }), ErrProtocolVersion},
		{"bad byte order", edit(func(b []byte) []byte { b[0] = 'x'; return b }), fragments.ErrMalformed},
		{"zero serial", edit(func(b []byte) []byte { b[8], b[9], b[10], b[11] = 0, 0, 0, 0; return b }), fragments.ErrMalformed},
		{"truncated body", edit(func(b []byte) []byte { return b[:len(b)-1] }), fragments.ErrTruncated},
		{"extra bytes", edit(func(b []byte) []byte { return append(b, 0) }), fragments.ErrMalformed},
		{"truncated header", good[:10], fragments.ErrTruncated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeMessage(tc.raw, nil); !errors.Is(err, tc.wantErr) {
				t.Fatalf("DecodeMessage got err %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestMessageUnknownHeaderField(t *testing.T) {
	m := NewSignal("/a", "a.b", "C")
	m.Serial = 3
	m.Unknown = map[uint8]Variant{200: {"future"}}
	raw, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeMessage(raw, nil)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if diff := cmp.Diff(got.Unknown, m.Unknown); diff != "" {
		t.Errorf("unknown fields wrong (-got+want):\n%s", diff)
	}
}
