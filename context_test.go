package dbus

import (
	"context"
	"os"
	"testing"
)

func TestContextHandlerValues(t *testing.T) {
	if _, ok := ContextSender(context.Background()); ok {
		t.Error("ContextSender found a sender in an empty context")
	}
	if _, ok := ContextMessage(context.Background()); ok {
		t.Error("ContextMessage found a message in an empty context")
	}

	var conn *Conn
	sender := conn.Peer(":1.42").Object("/org/test").Interface("org.test.Iface")
	msg := NewMethodCall("org.test", "/org/test", "org.test.Iface", "Frob")
	ctx := withContextMessage(withContextSender(context.Background(), sender), msg)

	got, ok := ContextSender(ctx)
	if !ok {
		t.Fatal("sender not found in context")
	}
	if got.Name() != "org.test.Iface" || got.Object().Path() != "/org/test" || got.Peer().Name() != ":1.42" {
		t.Errorf("wrong sender %s", got)
	}
	if m, ok := ContextMessage(ctx); !ok || m != msg {
		t.Errorf("ContextMessage = %v, %v, want %v", m, ok, msg)
	}
}

func TestWithCallFlags(t *testing.T) {
	tests := []struct {
		name string
		set  []Flags
		want Flags
	}{
		{"none", nil, 0},
		{"no autostart", []Flags{FlagNoAutoStart}, FlagNoAutoStart},
		{"no reply masked", []Flags{FlagNoReplyExpected}, 0},
		{"masked in combination", []Flags{FlagNoReplyExpected | FlagAllowInteractiveAuthorization}, FlagAllowInteractiveAuthorization},
		{"accumulates", []Flags{FlagNoAutoStart, FlagAllowInteractiveAuthorization}, FlagNoAutoStart | FlagAllowInteractiveAuthorization},
	}
	for _, tc := range tests {
		ctx := context.Background()
		for _, f := range tc.set {
			ctx = WithCallFlags(ctx, f)
		}
		if got := contextCallFlags(ctx); got != tc.want {
			t.Errorf("%s: got flags %b, want %b", tc.name, got, tc.want)
		}
	}
}

func TestContextFiles(t *testing.T) {
	if _, err := contextPutFile(context.Background(), os.Stdin); err == nil {
		t.Error("contextPutFile without a file list succeeded")
	}

	var sent []*os.File
	ctx := withContextPutFiles(context.Background(), &sent)
	for i, f := range []*os.File{os.Stdin, os.Stdout, os.Stdin} {
		idx, err := contextPutFile(ctx, f)
		if err != nil {
			t.Fatalf("contextPutFile(%d): %v", i, err)
		}
		if int(idx) != i {
			t.Errorf("file %d got index %d", i, idx)
		}
	}
	if len(sent) != 3 {
		t.Fatalf("got %d files queued, want 3", len(sent))
	}

	ctx = withContextFiles(context.Background(), sent)
	for i, want := range sent {
		if got := contextFile(ctx, uint32(i)); got != want {
			t.Errorf("contextFile(%d) = %p, want %p", i, got, want)
		}
	}
	if got := contextFile(ctx, 3); got != nil {
		t.Errorf("contextFile past the end = %p, want nil", got)
	}
	if got := contextFile(context.Background(), 0); got != nil {
		t.Errorf("contextFile without files = %p, want nil", got)
	}
}
