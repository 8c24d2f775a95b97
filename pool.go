package dbus

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool shares bus connections between users of the same address.
//
// Connections are reference counted. A connection is closed when its
// last user releases it, and forgotten as soon as it disconnects, so
// the next Get dials afresh.
type Pool struct {
	opts []Option
	log  logrus.FieldLogger

	mu    sync.Mutex
	conns map[string]*poolEntry
}

type poolEntry struct {
	ready chan struct{} // closed once conn or err is set
	conn  *Conn
	err   error
	refs  int
}

// NewPool returns a pool that dials with opts.
func NewPool(opts ...Option) *Pool {
	return &Pool{
		opts:  opts,
		log:   newOptions(opts).logger.WithField("component", "pool"),
		conns: map[string]*poolEntry{},
	}
}

// Get returns a connection to the bus at addr, dialing it if the pool
// has none. Each successful Get must be paired with a Release.
func (p *Pool) Get(ctx context.Context, addr string) (*Conn, error) {
	for {
		p.mu.Lock()
		e := p.conns[addr]
		if e == nil {
			e = &poolEntry{ready: make(chan struct{})}
			p.conns[addr] = e
			p.mu.Unlock()
			p.dial(ctx, addr, e)
		} else {
			p.mu.Unlock()
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}

		p.mu.Lock()
		if p.conns[addr] != e {
			// Disconnected between dial and now.
			p.mu.Unlock()
			continue
		}
		e.refs++
		p.mu.Unlock()
		return e.conn, nil
	}
}

func (p *Pool) dial(ctx context.Context, addr string, e *poolEntry) {
	defer close(e.ready)
	e.conn, e.err = Dial(ctx, addr, p.opts...)
	if e.err != nil {
		p.mu.Lock()
		delete(p.conns, addr)
		p.mu.Unlock()
		return
	}
	p.log.WithField("address", addr).Debug("dialed shared connection")
	go func() {
		<-e.conn.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.conns[addr] == e {
			delete(p.conns, addr)
		}
	}()
}

// Release gives back a connection obtained from Get.
func (p *Pool) Release(c *Conn) error {
	p.mu.Lock()
	for addr, e := range p.conns {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.conn != c {
			continue
		}
		e.refs--
		if e.refs > 0 {
			p.mu.Unlock()
			return nil
		}
		delete(p.conns, addr)
		p.mu.Unlock()
		return c.Close()
	}
	p.mu.Unlock()
	// Already evicted after a disconnect.
	if c.State() == StateDisconnected {
		return nil
	}
	return errors.New("connection does not belong to this pool")
}

// Len returns the number of live connections in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = map[string]*poolEntry{}
	p.mu.Unlock()
	for _, e := range conns {
		<-e.ready
		if e.conn != nil {
			e.conn.Close()
		}
	}
	return nil
}
