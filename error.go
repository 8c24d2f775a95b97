package dbus

import (
	"errors"
	"fmt"
	"reflect"
)

// TypeError is the error returned when a type cannot be represented
// in the DBus wire format.
type TypeError struct {
	// Type is the name of the type that caused the error.
	Type string
	// Reason is an explanation of why the type isn't representable by
	// DBus.
	Reason error
}

func (e TypeError) Error() string {
	return fmt.Sprintf("dbus cannot represent %s: %s", e.Type, e.Reason)
}

func (e TypeError) Unwrap() error {
	return e.Reason
}

func typeErr(t reflect.Type, reason string, args ...any) error {
	ts := "nil"
	if t != nil {
		ts = t.String()
	}
	return TypeError{ts, fmt.Errorf(reason, args...)}
}

var (
	// ErrNotConnected is returned by operations on a connection that
	// is not, or is no longer, connected.
	ErrNotConnected = errors.New("dbus: not connected")
	// ErrTimeout is returned by method calls that did not receive a
	// reply within their deadline.
	ErrTimeout = errors.New("dbus: method call timed out")
	// ErrProtocolVersion is returned when a peer sends a message with
	// a protocol version other than 1.
	ErrProtocolVersion = errors.New("dbus: unsupported protocol version")
)

// ErrorClass distinguishes errors that leave a connection usable
// from errors that terminate it.
type ErrorClass int

const (
	// Recoverable errors affect a single message. The connection
	// remains usable.
	Recoverable ErrorClass = iota
	// Fatal errors terminate the connection.
	Fatal
)

func (c ErrorClass) String() string {
	switch c {
	case Recoverable:
		return "recoverable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorClass(%d)", int(c))
	}
}

// ProtocolError is an error that occurred while exchanging messages
// with a peer.
type ProtocolError struct {
	Class ErrorClass
	// Op is the operation that failed, such as "read" or "decode".
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dbus %s error during %s: %s", e.Class, e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func fatalErr(op string, err error) error {
	return &ProtocolError{Fatal, op, err}
}

func recoverableErr(op string, err error) error {
	return &ProtocolError{Recoverable, op, err}
}

// IsFatal reports whether err indicates that the connection it came
// from is no longer usable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrProtocolVersion) {
		return true
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Class == Fatal
	}
	return false
}
