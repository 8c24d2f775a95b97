package dbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/mapset"
	"github.com/sirupsen/logrus"

	"github.com/corebus/dbus/dispatch"
	"github.com/corebus/dbus/transport"
)

const (
	busName    = "org.freedesktop.DBus"
	busPath    = ObjectPath("/org/freedesktop/DBus")
	ifaceBus   = "org.freedesktop.DBus"
	ifacePeer  = "org.freedesktop.DBus.Peer"
	ifaceProps = "org.freedesktop.DBus.Properties"
	ifaceIntro = "org.freedesktop.DBus.Introspectable"
)

const defaultSystemBus = "unix:path=/run/dbus/system_bus_socket"

// State is the lifecycle state of a [Conn].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SystemBus connects to the system bus, at DBUS_SYSTEM_BUS_ADDRESS
// or the default system bus socket.
func SystemBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = defaultSystemBus
	}
	return Dial(ctx, addr, opts...)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context, opts ...Option) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available: DBUS_SESSION_BUS_ADDRESS is not set")
	}
	return Dial(ctx, addr, opts...)
}

// Dial connects to the message bus at addr, which may list several
// addresses separated by semicolons, and registers with it.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	return dial(ctx, addr, true, newOptions(opts))
}

// DialPeer connects directly to a peer at addr, without a message
// bus in between.
func DialPeer(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	return dial(ctx, addr, false, newOptions(opts))
}

func dial(ctx context.Context, addr string, isBus bool, o *options) (*Conn, error) {
	c := newConn(o, isBus)
	c.state.Store(int32(StateConnecting))
	dopts := o.dial
	dopts.OnConnected = func() { c.state.Store(int32(StateAuthenticating)) }
	t, err := transport.DialString(ctx, addr, dopts)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return nil, err
	}
	if err := c.start(ctx, t); err != nil {
		return nil, err
	}
	return c, nil
}

// Conn is a DBus connection, either to a message bus or directly to
// a peer.
type Conn struct {
	opts  *options
	log   logrus.FieldLogger
	isBus bool
	t     transport.Transport
	svc   *dispatch.Service
	bus   Interface

	localName string
	state     atomic.Int32
	serial    atomic.Uint32
	writeMu   sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed

	mu          sync.Mutex
	calls       map[uint32]*PendingCall
	handlers    map[uint64]*signalHandler
	nextHandler uint64
	owners      map[string]string
	objects     map[ObjectPath]map[string]*exportedIface
	watchers    mapset.Set[*Watcher]
	claims      mapset.Set[*Claim]
}

func newConn(o *options, isBus bool) *Conn {
	ret := &Conn{
		opts:     o,
		log:      o.logger.WithField("component", "conn"),
		isBus:    isBus,
		done:     make(chan struct{}),
		calls:    map[uint32]*PendingCall{},
		handlers: map[uint64]*signalHandler{},
		owners:   map[string]string{},
		objects:  map[ObjectPath]map[string]*exportedIface{},
		watchers: mapset.New[*Watcher](),
		claims:   mapset.New[*Claim](),
	}
	ret.bus = ret.Peer(busName).Object(busPath).Interface(ifaceBus)
	return ret
}

// start runs the connection over an authenticated transport. Bus
// connections send Hello before start returns.
func (c *Conn) start(ctx context.Context, t transport.Transport) error {
	c.t = t
	c.svc = dispatch.New(c.opts.dispatch)
	c.state.Store(int32(StateConnected))
	go c.readLoop()

	if c.isBus {
		var name string
		if err := c.bus.Call(ctx, "Hello", nil, &name); err != nil {
			c.Close()
			return fmt.Errorf("registering with bus: %w", err)
		}
		c.mu.Lock()
		c.localName = name
		c.mu.Unlock()
	}
	c.log.WithField("name", c.LocalName()).Debug("connected")
	return nil
}

// State returns the connection's current state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done returns a channel that is closed when the connection
// disconnects.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection disconnected. It is nil
// while the connection is up, and after a disconnection caused by
// Close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// LocalName returns the connection's unique bus name. It is empty
// for peer to peer connections.
func (c *Conn) LocalName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localName
}

// IsBus reports whether the connection is to a message bus.
func (c *Conn) IsBus() bool { return c.isBus }

// SupportsFDs reports whether file descriptors can be sent over the
// connection.
func (c *Conn) SupportsFDs() bool { return c.t.SupportsFDs() }

// GUID returns the server's GUID.
func (c *Conn) GUID() string { return c.t.GUID() }

// Peer returns a Peer for the given bus name.
//
// The returned value is a purely local handle. It does not indicate
// that the requested peer exists, or that it is currently reachable.
func (c *Conn) Peer(name string) Peer {
	return Peer{
		c:    c,
		name: name,
	}
}

// Close disconnects. Pending calls fail with ErrNotConnected.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// shutdown tears the connection down once. cause is nil for a
// local Close.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnecting))
		if c.t != nil {
			c.t.Close()
		}

		c.mu.Lock()
		pend := c.calls
		c.calls = nil
		ws := c.watchers
		c.watchers = nil
		cs := c.claims
		c.claims = nil
		c.mu.Unlock()

		for _, p := range pend {
			p.complete(nil, ErrNotConnected)
		}
		for w := range ws {
			w.closeLocal()
		}
		for cl := range cs {
			cl.closeLocal()
		}
		if c.svc != nil {
			// Close may run on one of the executors, so don't wait
			// for them here.
			go c.svc.Shutdown(context.Background())
		}

		c.err = cause
		c.state.Store(int32(StateDisconnected))
		close(c.done)
		if cause != nil {
			c.log.WithError(cause).Warn("disconnected")
		} else {
			c.log.Debug("closed")
		}
		for _, fn := range c.opts.onDisconnect {
			fn(cause)
		}
	})
}

func (c *Conn) nextSerial() uint32 {
	for {
		if s := c.serial.Add(1); s != 0 {
			return s
		}
	}
}

// send assigns m a serial and writes it. If pend is not nil, it is
// registered to receive the reply before m is written.
func (c *Conn) send(m *Message, pend *PendingCall) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	m.Serial = c.nextSerial()
	bs, err := m.Encode()
	if err != nil {
		return err
	}
	if len(m.Files) > 0 && !c.t.SupportsFDs() {
		return errors.New("cannot send file descriptors: not supported by this connection")
	}
	if pend != nil {
		pend.serial = m.Serial
		c.mu.Lock()
		if c.calls == nil {
			c.mu.Unlock()
			return ErrNotConnected
		}
		c.calls[m.Serial] = pend
		c.mu.Unlock()
	}
	if err := c.t.WriteMessage(&transport.Frame{Data: bs, Files: m.Files}); err != nil {
		if pend != nil {
			c.forgetCall(pend)
		}
		c.shutdown(fatalErr("write", err))
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (c *Conn) forgetCall(p *PendingCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[p.serial] == p {
		delete(c.calls, p.serial)
	}
}

// maxEmptyReads is how many reads in a row may return no data before
// the read loop gives up on the transport.
const maxEmptyReads = 100

func (c *Conn) readLoop() {
	empty := 0
	for {
		f, err := c.t.ReadMessage()
		if errors.Is(err, transport.ErrNoMessage) {
			empty++
			if empty >= maxEmptyReads {
				c.shutdown(fatalErr("read", io.ErrNoProgress))
				return
			}
			continue
		}
		empty = 0
		if err != nil {
			// A no-op if the connection was closed locally.
			c.shutdown(fatalErr("read", err))
			return
		}
		m, err := DecodeMessage(f.Data, f.Files)
		if err != nil {
			f.Close()
			c.log.WithError(recoverableErr("decode", err)).Warn("dropping undecodable message")
			continue
		}
		c.route(m)
	}
}

// route hands m to the executor for its type.
func (c *Conn) route(m *Message) {
	log := c.log.WithFields(logrus.Fields{
		"type":   m.Type,
		"serial": m.Serial,
	})
	switch m.Type {
	case TypeMethodReturn, TypeErrorReply:
		name := dispatch.MethodReturn
		if m.Type == TypeErrorReply {
			name = dispatch.Error
		}
		task := func() { c.deliverReply(m) }
		if _, err := c.svc.Execute(name, task); err != nil {
			// Replies are never lost to a busy executor.
			task()
		}
	case TypeSignal:
		if _, err := c.svc.Execute(dispatch.Signal, func() { c.deliverSignal(m) }); err != nil {
			log.WithError(err).Warn("dropping signal")
		}
	case TypeMethodCall:
		if _, err := c.svc.Execute(dispatch.MethodCall, func() { c.handleCall(m) }); err != nil {
			log.WithError(err).Warn("dropping method call")
			if m.WantReply() && !errors.Is(err, dispatch.ErrClosed) {
				c.replyError(m, NewCallError(ErrNameFailed, "server too busy"))
			}
		}
	}
}

func (c *Conn) deliverReply(m *Message) {
	c.mu.Lock()
	p := c.calls[m.ReplySerial]
	delete(c.calls, m.ReplySerial)
	c.mu.Unlock()

	if p == nil || !p.completeReply(m) {
		c.log.WithFields(logrus.Fields{
			"reply_serial": m.ReplySerial,
			"type":         m.Type,
		}).Debug("dropping reply to unknown or completed call")
	}
}
