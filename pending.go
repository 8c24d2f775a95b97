package dbus

import (
	"context"
	"fmt"
	"sync"
)

// PendingCall is a method call awaiting its reply.
type PendingCall struct {
	c      *Conn
	serial uint32
	done   chan struct{}
	once   sync.Once

	// Set once, before done is closed.
	reply *Message
	err   error
}

func newPendingCall(c *Conn) *PendingCall {
	return &PendingCall{
		c:    c,
		done: make(chan struct{}),
	}
}

// Serial returns the serial of the method call.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Done returns a channel that is closed when the call completes.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result returns the reply and error of a completed call. It must
// only be called after Done is closed.
func (p *PendingCall) Result() (*Message, error) {
	return p.reply, p.err
}

// Wait waits for the call to complete, or for ctx to end. It returns
// the reply message. An error reply is returned as a [*CallError],
// along with the error message.
//
// If ctx ends first, the call is left pending. Use Cancel to abandon
// it.
func (p *PendingCall) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the call. A reply that arrives later is dropped.
func (p *PendingCall) Cancel() {
	p.c.forgetCall(p)
	p.complete(nil, context.Canceled)
}

// complete records the outcome of the call. It reports false if the
// call had already completed.
func (p *PendingCall) complete(reply *Message, err error) bool {
	ret := false
	p.once.Do(func() {
		p.reply, p.err = reply, err
		close(p.done)
		ret = true
	})
	return ret
}

// completeReply completes the call with a method return or error
// message.
func (p *PendingCall) completeReply(m *Message) bool {
	if m.Type == TypeErrorReply {
		return p.complete(m, callErrorFrom(m))
	}
	return p.complete(m, nil)
}

// callErrorFrom converts an error message into a CallError. The
// detail is the first body argument, if it is a string.
func callErrorFrom(m *Message) *CallError {
	ret := &CallError{Name: m.ErrorName}
	if m.Signature.IsZero() || m.Signature.String()[0] != 's' {
		return ret
	}
	args, err := m.Args()
	if err != nil {
		ret.Detail = fmt.Sprintf("undecodable error detail: %v", err)
		return ret
	}
	ret.Detail, _ = args[0].(string)
	return ret
}
