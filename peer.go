package dbus

import (
	"context"
)

// Peer is a named endpoint on the bus. On a peer-to-peer connection,
// the name is empty and refers to the remote end.
type Peer struct {
	c    *Conn
	name string
}

// Ping checks that the peer is reachable and responsive.
func (p Peer) Ping(ctx context.Context) error {
	return p.Conn().call(ctx, p.name, "/", ifacePeer, "Ping", nil, nil, false)
}

// MachineID returns the machine ID of the host the peer runs on.
func (p Peer) MachineID(ctx context.Context) (string, error) {
	var id string
	if err := p.Conn().call(ctx, p.name, "/", ifacePeer, "GetMachineId", nil, &id, false); err != nil {
		return "", err
	}
	return id, nil
}

func (p Peer) Conn() *Conn  { return p.c }
func (p Peer) Name() string { return p.name }

func (p Peer) String() string {
	if p.c == nil {
		return "<no peer>"
	}
	if p.name == "" {
		return "<remote peer>"
	}
	return p.name
}

// Object returns the object at path offered by the peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}
