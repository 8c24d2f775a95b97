package dbustest_test

import (
	"context"
	"testing"

	"github.com/corebus/dbus"
	"github.com/corebus/dbus/dbustest"
)

func TestBus(t *testing.T) {
	b := dbustest.New(t, true)
	conn := b.MustConn(t)
	if err := conn.Peer("org.freedesktop.DBus").Ping(context.Background()); err != nil {
		t.Fatalf("failed to ping test bus: %v", err)
	}
	if conn.LocalName() == "" {
		t.Error("bus did not assign a unique name")
	}
}

func TestPair(t *testing.T) {
	p := dbustest.NewPair(t)
	if got, want := p.Client.State(), dbus.StateConnected; got != want {
		t.Fatalf("client state is %s, want %s", got, want)
	}
	if p.Client.IsBus() || p.Server.IsBus() {
		t.Error("peer connections report being bus connections")
	}
	if p.Client.GUID() != p.Server.GUID() {
		t.Errorf("client GUID %q != server GUID %q", p.Client.GUID(), p.Server.GUID())
	}
	if err := p.Client.Peer("").Ping(context.Background()); err != nil {
		t.Fatalf("pinging server: %v", err)
	}
}
