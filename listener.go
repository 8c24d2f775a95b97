package dbus

import (
	"context"
	"fmt"

	"github.com/corebus/dbus/transport"
)

// Listener accepts peer-to-peer connections.
type Listener struct {
	opts *options
	l    *transport.Listener
}

// Listen starts listening for peer-to-peer connections on addr.
//
// Accepted connections are not bus connections: they do not send
// Hello, and the bus methods of [Conn] are unavailable on them.
func Listen(addr string, opts ...Option) (*Listener, error) {
	a, err := transport.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if len(a) != 1 {
		return nil, fmt.Errorf("cannot listen on %d addresses at once", len(a))
	}
	o := newOptions(opts)
	l, err := transport.Listen(a[0], o.listen)
	if err != nil {
		return nil, err
	}
	return &Listener{opts: o, l: l}, nil
}

// Addr returns the address clients can dial to reach l.
func (l *Listener) Addr() string { return l.l.Addr().String() }

// GUID returns the listener's server GUID.
func (l *Listener) GUID() string { return l.l.GUID() }

// Accept waits for a client, authenticates it, and returns the
// resulting connection. A client that fails authentication returns
// an error matching [transport.IsAuthError], and l remains usable.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	t, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	c := newConn(l.opts, false)
	if err := c.start(ctx, t); err != nil {
		return nil, err
	}
	return c, nil
}

// Close stops listening. Connections already accepted are not
// affected.
func (l *Listener) Close() error { return l.l.Close() }
