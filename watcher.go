package dbus

import (
	"context"
	"sync"

	"github.com/creachadair/mds/queue"
)

// Watch watches the connection for signals.
//
// A newly created Watcher delivers no notifications. The caller must
// use [Watcher.Match] to specify which signals the Watcher should
// provide.
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:        c,
		max:         c.opts.watcherQueue,
		signals:     make(chan *Notification),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		removes:     map[*MatchRule]func(){},
	}
	go w.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watchers == nil {
		// Already disconnected.
		w.closeLocal()
		return w
	}
	c.watchers.Add(w)
	return w
}

// A Watcher delivers signals received from the bus that match its
// rules.
type Watcher struct {
	conn     *Conn
	max      int
	signals  chan *Notification
	wakePump chan struct{}

	stopOnce    sync.Once
	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Notification]
	removes map[*MatchRule]func()
	last    *Message
}

// Notification is a signal received from a bus peer.
type Notification struct {
	// Sender is the originator of the notification.
	Sender Interface
	// Name is the name of the signal.
	Name string
	// Body is the signal payload.
	//
	// Body is a pointer to the struct type that was associated with
	// the signal name using RegisterSignalType, or the body values as
	// a []any if no type was registered for the signal.
	Body any
	// Message is the signal message itself.
	Message *Message
	// Overflow reports that the watcher discarded some notifications
	// that followed this one, due to the caller not processing
	// delivered notifications fast enough.
	Overflow bool
}

// Close shuts down the Watcher and removes its rules.
func (w *Watcher) Close() {
	w.mu.Lock()
	removes := w.removes
	w.removes = map[*MatchRule]func(){}
	w.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
	w.closeLocal()

	w.conn.mu.Lock()
	defer w.conn.mu.Unlock()
	if w.conn.watchers != nil {
		delete(w.conn.watchers, w)
	}
}

// closeLocal stops delivery without talking to the bus.
func (w *Watcher) closeLocal() {
	w.stopOnce.Do(func() {
		close(w.stopPump)
		<-w.pumpStopped
		w.mu.Lock()
		defer w.mu.Unlock()
		w.queue.Clear()
	})
}

// Chan returns the channel on which signals are delivered. The
// channel is closed when the Watcher or its connection closes.
//
// The caller must drain this channel of new signals promptly, to
// avoid overflowing the Watcher's receive queue and losing
// Notifications of interest. Missing signals due to an overflow are
// indicated by the Overflow field of the [Notification] that
// immediately precedes the discarded signal(s).
func (w *Watcher) Chan() <-chan *Notification {
	return w.signals
}

// Match requests delivery of signals that match rule.
//
// Matches are additive: a signal is delivered once if it matches any
// of the Watcher's rules.
//
// If the match is added successfully, the returned remove function
// may be used to remove the match without affecting other
// matches. Use of remove is optional, and may be ignored if the set
// of matches doesn't need to change for the lifetime of the Watcher.
func (w *Watcher) Match(rule *MatchRule) (remove func(), err error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.conn.opts.callTimeout)
	defer cancel()
	rm, err := w.conn.AddSignalHandler(ctx, rule, w.deliver)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.removes[rule] = rm
	return func() {
		rm()
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.removes, rule)
	}, nil
}

func (w *Watcher) enqueueLocked(n *Notification) {
	if w.queue.Len() >= w.max {
		last, _ := w.queue.Peek(-1)
		last.Overflow = true
		return
	}

	w.queue.Add(n)
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

// deliver is the signal handler for all of the Watcher's rules.
func (w *Watcher) deliver(m *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopPump:
		// raced with a Close, this watcher is done.
		return
	default:
	}
	// Handlers for one signal run back to back, so a signal matching
	// several rules shows up here consecutively.
	if m == w.last {
		return
	}
	w.last = m

	body, err := DecodeSignal(m)
	if err != nil {
		w.conn.log.WithError(err).WithField("member", m.Member).Debug("watcher dropping undecodable signal")
		return
	}
	w.enqueueLocked(&Notification{
		Sender:  w.conn.Peer(m.Sender).Object(m.Path).Interface(m.Interface),
		Name:    m.Member,
		Body:    body,
		Message: m,
	})
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Notification {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}
