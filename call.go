package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Send sends m without waiting for any reply, and returns the serial
// assigned to it.
func (c *Conn) Send(ctx context.Context, m *Message) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.send(m, nil); err != nil {
		return 0, err
	}
	return m.Serial, nil
}

// CallAsync sends the method call m and returns a PendingCall that
// completes when the reply arrives. If m has FlagNoReplyExpected set,
// the returned PendingCall is already complete.
func (c *Conn) CallAsync(ctx context.Context, m *Message) (*PendingCall, error) {
	if m.Type != TypeMethodCall {
		return nil, fmt.Errorf("cannot call a %s message", m.Type)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := newPendingCall(c)
	if !m.WantReply() {
		if err := c.send(m, nil); err != nil {
			return nil, err
		}
		p.serial = m.Serial
		p.complete(nil, nil)
		return p, nil
	}
	if err := c.send(m, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Call sends the method call m and waits for its reply.
//
// If ctx has no deadline, the connection's call timeout applies. A
// call that times out returns an error matching [ErrTimeout]. An
// error reply is returned as a [*CallError].
func (c *Conn) Call(ctx context.Context, m *Message) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.callTimeout)
		defer cancel()
	}
	p, err := c.CallAsync(ctx, m)
	if err != nil {
		return nil, err
	}
	reply, err := p.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
		p.Cancel()
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w (%w)", ErrTimeout, ctxErr)
		}
		return nil, ctxErr
	}
	return reply, err
}

// call is the implementation of the proxy call methods. A struct
// body is sent as its fields, and response may be a pointer to a
// struct that receives all the reply values.
func (c *Conn) call(ctx context.Context, dest string, path ObjectPath, iface, method string, body, response any, noReply bool) error {
	if response != nil && reflect.TypeOf(response).Kind() != reflect.Pointer {
		return errors.New("response parameter in Call must be a pointer, or nil")
	}
	m := NewMethodCall(dest, path, iface, method)
	if noReply {
		m.Flags |= FlagNoReplyExpected
	}
	m.Flags |= contextCallFlags(ctx)
	if err := m.setBodyFlat(body); err != nil {
		return err
	}
	if noReply {
		_, err := c.Send(ctx, m)
		return err
	}
	reply, err := c.Call(ctx, m)
	if err != nil {
		return err
	}
	if response == nil {
		return nil
	}
	return reply.Decode(response)
}

// setBodyFlat sets the body of m to body. If body encodes as a
// struct, its fields become the top-level values of the body.
func (m *Message) setBodyFlat(body any) error {
	if body == nil {
		m.Body, m.Signature, m.Files = nil, Signature{}, nil
		return nil
	}
	if err := m.SetBody(body); err != nil {
		return err
	}
	s := m.Signature.String()
	if !strings.HasPrefix(s, "(") || !m.Signature.IsSingle() {
		return nil
	}
	// The struct's alignment at offset 0 adds no padding, so the
	// encoded bytes are already those of its fields.
	inner, err := ParseSignature(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	m.Signature = inner
	return nil
}

// Emit broadcasts a signal from path.
func (c *Conn) Emit(ctx context.Context, path ObjectPath, iface, member string, body ...any) error {
	m := NewSignal(path, iface, member)
	if err := m.SetBody(body...); err != nil {
		return err
	}
	_, err := c.Send(ctx, m)
	return err
}

// EmitSignal broadcasts signal from path. The signal's type must be
// registered in advance with [RegisterSignalType].
func (c *Conn) EmitSignal(ctx context.Context, path ObjectPath, signal any) error {
	t := derefType(reflect.TypeOf(signal))
	k, ok := signalNameFor(t)
	if !ok {
		return fmt.Errorf("unknown signal type %s", t)
	}
	m := NewSignal(path, k.Interface, k.Signal)
	if err := m.setBodyFlat(signal); err != nil {
		return err
	}
	_, err := c.Send(ctx, m)
	return err
}
