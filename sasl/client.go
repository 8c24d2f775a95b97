package sasl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the progress of a handshake.
type State int

const (
	StateInitial State = iota
	// StateWaitingReply means a command was sent and the peer's
	// answer is pending.
	StateWaitingReply
	// StateAuthenticated means the server accepted a mechanism.
	StateAuthenticated
	// StateNegotiatingFDs means unix fd passing is being negotiated.
	StateNegotiatingFDs
	// StateReady means BEGIN was sent or received, and the stream
	// now carries DBus messages.
	StateReady
	// StateRejected means no mechanism was accepted.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateWaitingReply:
		return "waiting-reply"
	case StateAuthenticated:
		return "authenticated"
	case StateNegotiatingFDs:
		return "negotiating-fds"
	case StateReady:
		return "ready"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result describes a completed handshake.
type Result struct {
	State State
	// GUID is the server's GUID, as sent in OK.
	GUID string
	// Mechanism is the name of the mechanism that succeeded.
	Mechanism string
	// FDs reports whether unix fd passing was agreed.
	FDs bool
}

// AuthError is the error returned when a handshake fails. The
// connection it happened on is unusable.
type AuthError struct {
	// Tried lists the mechanisms that were attempted.
	Tried []string
	Err   error
}

func (e *AuthError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("SASL authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("SASL authentication failed (tried %v): %v", e.Tried, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrRejected is wrapped by the AuthError returned when the server
// rejected all the client's mechanisms.
var ErrRejected = errors.New("all mechanisms rejected")

// Client runs the client side of the handshake.
type Client struct {
	// Mechanisms are tried in order until one succeeds.
	Mechanisms []ClientMechanism
	// NegotiateFDs requests unix fd passing after authentication. A
	// server refusal is not an error. It only disables fd passing.
	NegotiateFDs bool
	Logger       logrus.FieldLogger
}

func logger(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// withDeadline applies ctx's deadline and cancellation to rw, if it
// supports deadlines. The returned func undoes it.
func withDeadline(ctx context.Context, rw io.ReadWriter) (func(), error) {
	d, ok := rw.(deadliner)
	if !ok {
		return func() {}, nil
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := d.SetDeadline(dl); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		d.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		d.SetDeadline(time.Time{})
	}, nil
}

// Authenticate runs the handshake over rw. On success, the next byte
// read from rw is the first byte of the first DBus message.
func (c *Client) Authenticate(ctx context.Context, rw io.ReadWriter) (res Result, err error) {
	log := logger(c.Logger).WithField("component", "sasl-client")
	done, err := withDeadline(ctx, rw)
	if err != nil {
		return res, &AuthError{Err: err}
	}
	defer done()

	var tried []string
	defer func() {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = fmt.Errorf("%w (%w)", ctxErr, err)
			}
			err = &AuthError{Tried: tried, Err: err}
		}
	}()

	cn := &conn{rw: rw, onLine: func(out bool, line string) {
		dir := "recv"
		if out {
			dir = "send"
		}
		log.WithFields(logrus.Fields{"dir": dir, "line": line}).Trace("SASL")
	}}

	if _, err := rw.Write([]byte{0}); err != nil {
		return res, err
	}

	// serverMechs is the list of mechanisms the server said it
	// supports in its last REJECTED, if any.
	var serverMechs []string
	for _, mech := range c.Mechanisms {
		if serverMechs != nil && !slices.Contains(serverMechs, mech.Name()) {
			continue
		}
		tried = append(tried, mech.Name())
		res.State = StateWaitingReply
		ok, mechs, err := c.try(cn, mech, &res)
		if err != nil {
			return res, err
		}
		if ok {
			res.Mechanism = mech.Name()
			break
		}
		log.WithField("mechanism", mech.Name()).Debug("SASL mechanism rejected")
		serverMechs = mechs
	}
	if res.State != StateAuthenticated {
		res.State = StateRejected
		return res, ErrRejected
	}

	if c.NegotiateFDs {
		res.State = StateNegotiatingFDs
		if err := cn.write(cmd(NegotiateUnixFD)); err != nil {
			return res, err
		}
		resp, err := cn.read()
		if err != nil {
			return res, err
		}
		switch resp.Verb {
		case AgreeUnixFD:
			res.FDs = true
		case Error:
			log.Debug("server refused unix fd passing")
		default:
			return res, fmt.Errorf("unexpected %s in response to %s", resp.Verb, NegotiateUnixFD)
		}
	}

	if err := cn.write(cmd(Begin)); err != nil {
		return res, err
	}
	res.State = StateReady
	return res, nil
}

// try attempts authentication with mech. It returns ok=true if the
// server accepted, or the server's list of supported mechanisms if
// it rejected.
func (c *Client) try(cn *conn, mech ClientMechanism, res *Result) (ok bool, serverMechs []string, err error) {
	initial, hasInitial, err := mech.Initial()
	if err != nil {
		return false, nil, err
	}
	auth := cmd(Auth, mech.Name())
	if hasInitial {
		auth = dataCmd(Auth, initial)
		auth.Args = append([]string{mech.Name()}, auth.Args...)
	}
	if err := cn.write(auth); err != nil {
		return false, nil, err
	}

	for {
		resp, err := cn.read()
		if errors.Is(err, ErrUnknownCommand) {
			if err := cn.write(cmd(Error, "unknown command")); err != nil {
				return false, nil, err
			}
			continue
		} else if err != nil {
			return false, nil, err
		}

		switch resp.Verb {
		case OK:
			res.GUID = resp.Arg(0)
			res.State = StateAuthenticated
			return true, nil, nil
		case Rejected:
			return false, resp.Args, nil
		case Data:
			challenge, _, err := resp.HexArg(0)
			if err == nil {
				var answer []byte
				if answer, err = mech.Respond(challenge); err == nil {
					if err := cn.write(dataCmd(Data, answer)); err != nil {
						return false, nil, err
					}
					continue
				}
			}
			// The mechanism can't continue. Cancel, and wait for the
			// server's REJECTED.
			if err := cn.write(cmd(Cancel)); err != nil {
				return false, nil, err
			}
		case Error:
			if err := cn.write(cmd(Cancel)); err != nil {
				return false, nil, err
			}
		default:
			if err := cn.write(cmd(Error, "unexpected "+string(resp.Verb))); err != nil {
				return false, nil, err
			}
		}
	}
}
