package sasl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// MaxFailures is the number of failed authentication attempts after
// which a server drops the client.
const MaxFailures = 10

// ErrTooManyFailures is wrapped by the AuthError returned when a
// client exceeds MaxFailures.
var ErrTooManyFailures = errors.New("too many failed authentication attempts")

// Server runs the server side of the handshake.
type Server struct {
	// Mechanisms are the mechanisms clients may use.
	Mechanisms []ServerMechanism
	// GUID is sent to clients in OK.
	GUID string
	// AllowFDs agrees to unix fd passing when clients ask for it.
	AllowFDs bool
	Logger   logrus.FieldLogger
}

func (s *Server) mechanism(name string) ServerMechanism {
	for _, m := range s.Mechanisms {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (s *Server) rejected() Command {
	names := make([]string, 0, len(s.Mechanisms))
	for _, m := range s.Mechanisms {
		names = append(names, m.Name())
	}
	return cmd(Rejected, names...)
}

// Authenticate runs the handshake over rw, for a client whose socket
// credentials are peer. On success, the next byte read from rw is
// the first byte of the first DBus message.
func (s *Server) Authenticate(ctx context.Context, rw io.ReadWriter, peer Credentials) (res Result, err error) {
	log := logger(s.Logger).WithField("component", "sasl-server")
	res.GUID = s.GUID
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

	var nul [1]byte
	if _, err := io.ReadFull(rw, nul[:]); err != nil {
		return res, err
	}
	if nul[0] != 0 {
		return res, fmt.Errorf("client sent %q instead of the initial NUL byte", nul[0])
	}

	var (
		session  ServerSession
		failures int
	)
	reject := func() error {
		failures++
		session = nil
		res.State = StateInitial
		if failures >= MaxFailures {
			res.State = StateRejected
			return ErrTooManyFailures
		}
		return cn.write(s.rejected())
	}
	// step feeds a client response to the current mechanism session
	// and answers the client.
	step := func(resp []byte, ok bool) error {
		challenge, st, err := session.Step(resp, ok)
		if err != nil {
			log.WithError(err).Warn("SASL mechanism failed")
			return reject()
		}
		switch st {
		case Continue:
			res.State = StateWaitingReply
			return cn.write(dataCmd(Data, challenge))
		case Accept:
			session = nil
			res.State = StateAuthenticated
			return cn.write(cmd(OK, s.GUID))
		default:
			return reject()
		}
	}

	for {
		c, err := cn.read()
		if errors.Is(err, ErrUnknownCommand) {
			if err := cn.write(cmd(Error, "unknown command")); err != nil {
				return res, err
			}
			continue
		} else if err != nil {
			return res, err
		}

		switch {
		case c.Verb == Begin:
			if res.State != StateAuthenticated {
				return res, errors.New("client sent BEGIN before authenticating")
			}
			res.State = StateReady
			return res, nil

		case c.Verb == Auth && res.State == StateInitial:
			mech := s.mechanism(c.Arg(0))
			if mech == nil {
				if err := reject(); err != nil {
					return res, err
				}
				continue
			}
			tried = append(tried, mech.Name())
			res.Mechanism = mech.Name()
			initial, ok, err := c.HexArg(1)
			if err != nil {
				if err := cn.write(cmd(Error, "invalid initial response")); err != nil {
					return res, err
				}
				continue
			}
			session = mech.NewSession(peer)
			if err := step(initial, ok); err != nil {
				return res, err
			}

		case c.Verb == Data && res.State == StateWaitingReply:
			resp, _, err := c.HexArg(0)
			if err != nil {
				if err := cn.write(cmd(Error, "invalid hex data")); err != nil {
					return res, err
				}
				continue
			}
			if err := step(resp, true); err != nil {
				return res, err
			}

		case c.Verb == Cancel || c.Verb == Error:
			if err := reject(); err != nil {
				return res, err
			}

		case c.Verb == NegotiateUnixFD && res.State == StateAuthenticated:
			if s.AllowFDs {
				res.FDs = true
				err = cn.write(cmd(AgreeUnixFD))
			} else {
				err = cn.write(cmd(Error, "unix fd passing not supported"))
			}
			if err != nil {
				return res, err
			}

		default:
			msg := fmt.Sprintf("unexpected %s in state %s", c.Verb, res.State)
			if err := cn.write(cmd(Error, strings.Fields(msg)...)); err != nil {
				return res, err
			}
		}
	}
}
