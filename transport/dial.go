package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/corebus/dbus/sasl"
)

// DialOptions configures Dial.
type DialOptions struct {
	// Mechanisms are the SASL mechanisms to try, in order. If empty,
	// DefaultClientMechanisms is used.
	Mechanisms []sasl.ClientMechanism
	// DisableFDs skips unix fd passing negotiation.
	DisableFDs bool
	// Providers are considered in order after authentication. If
	// empty, DefaultProviders is used.
	Providers []Provider
	// OnConnected, if set, is called after the socket connects and
	// before authentication starts.
	OnConnected func()
	Logger      logrus.FieldLogger
}

// DefaultClientMechanisms returns the mechanisms tried when dialing
// an address of the given kind.
func DefaultClientMechanisms(kind string) []sasl.ClientMechanism {
	uid := os.Getuid()
	if kind == "unix" {
		return []sasl.ClientMechanism{
			sasl.External{UID: uid},
			sasl.CookieSHA1{UID: uid},
			sasl.Anonymous{},
		}
	}
	return []sasl.ClientMechanism{
		sasl.CookieSHA1{UID: uid},
		sasl.Anonymous{},
	}
}

func logger(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}

// Dial connects to addr and authenticates.
func Dial(ctx context.Context, addr Address, opts DialOptions) (Transport, error) {
	network, target, err := addr.network()
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	sock, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}
	if opts.OnConnected != nil {
		opts.OnConnected()
	}

	mechs := opts.Mechanisms
	if len(mechs) == 0 {
		mechs = DefaultClientMechanisms(addr.Kind)
	}
	_, isUnix := sock.(*net.UnixConn)
	client := &sasl.Client{
		Mechanisms:   mechs,
		NegotiateFDs: isUnix && !opts.DisableFDs,
		Logger:       opts.Logger,
	}
	res, err := client.Authenticate(ctx, sock)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if want := addr.GUID(); want != "" && want != res.GUID {
		sock.Close()
		return nil, fmt.Errorf("server GUID %q does not match address GUID %q", res.GUID, want)
	}

	ret, err := newConn(sock, res, peerUID(sock), opts.Providers)
	if err != nil {
		sock.Close()
		return nil, err
	}
	logger(opts.Logger).WithFields(logrus.Fields{
		"component": "transport",
		"address":   addr.String(),
		"mechanism": res.Mechanism,
		"fds":       ret.SupportsFDs(),
	}).Debug("connected")
	return ret, nil
}

// DialString parses addrs and dials each address in turn, returning
// the first successful connection.
func DialString(ctx context.Context, addrs string, opts DialOptions) (Transport, error) {
	as, err := ParseAddress(addrs)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, a := range as {
		t, err := Dial(ctx, a, opts)
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("dialing %s: %w", a, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
