package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/sirupsen/logrus"

	"github.com/corebus/dbus/sasl"
)

// SocketFile sets the ownership and permissions of a listening unix
// socket file after it is bound.
type SocketFile struct {
	// UID and GID, when present, are applied with os.Chown. An absent
	// value leaves that id unchanged.
	UID, GID value.Maybe[int]
	// Mode, if nonzero, is applied with os.Chmod.
	Mode os.FileMode
}

// owner returns the arguments for os.Chown, and false if neither id
// is set.
func (sf *SocketFile) owner() (uid, gid int, ok bool) {
	if !sf.UID.Present() && !sf.GID.Present() {
		return 0, 0, false
	}
	return sf.UID.Or(-1).Get(), sf.GID.Or(-1).Get(), true
}

// ListenOptions configures Listen.
type ListenOptions struct {
	// Mechanisms are the SASL mechanisms offered to clients. If empty,
	// DefaultServerMechanisms is used.
	Mechanisms []sasl.ServerMechanism
	// GUID is the server GUID. If empty, a random one is generated,
	// unless the address specifies one.
	GUID string
	// DisableFDs refuses unix fd passing.
	DisableFDs bool
	// SocketFile, if set, is applied to unix socket files.
	SocketFile *SocketFile
	// Providers are considered in order after authentication. If
	// empty, DefaultProviders is used.
	Providers []Provider
	Logger    logrus.FieldLogger
}

// DefaultServerMechanisms returns the mechanisms offered on a
// listener of the given kind.
func DefaultServerMechanisms(kind string) []sasl.ServerMechanism {
	if kind == "unix" {
		return []sasl.ServerMechanism{sasl.ExternalServer{}, sasl.CookieSHA1Server{}}
	}
	return []sasl.ServerMechanism{sasl.CookieSHA1Server{}}
}

// NewGUID returns a random server GUID.
func NewGUID() (string, error) {
	var bs [16]byte
	if _, err := rand.Read(bs[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(bs[:]), nil
}

// Listener accepts authenticated connections.
type Listener struct {
	l    net.Listener
	addr Address
	srv  *sasl.Server
	opts ListenOptions
	log  logrus.FieldLogger
}

// Listen starts listening on addr. Unix addresses may use path,
// abstract, or tmpdir/dir to pick a fresh socket in a directory. TCP
// addresses with port 0 or no port listen on a random port.
func Listen(addr Address, opts ListenOptions) (*Listener, error) {
	bound, err := resolveListen(addr)
	if err != nil {
		return nil, err
	}
	network, target, err := bound.network()
	if err != nil {
		return nil, err
	}
	l, err := net.Listen(network, target)
	if err != nil {
		return nil, err
	}

	if bound.Kind == "unix" && bound.Params["path"] != "" && opts.SocketFile != nil {
		if err := applySocketFile(bound.Params["path"], opts.SocketFile); err != nil {
			l.Close()
			return nil, err
		}
	}
	if tl, ok := l.(*net.TCPListener); ok {
		bound.Params["port"] = strconv.Itoa(tl.Addr().(*net.TCPAddr).Port)
	}

	guid := opts.GUID
	if guid == "" {
		guid = addr.GUID()
	}
	if guid == "" {
		if guid, err = NewGUID(); err != nil {
			l.Close()
			return nil, err
		}
	}
	bound.Params["guid"] = guid

	mechs := opts.Mechanisms
	if len(mechs) == 0 {
		mechs = DefaultServerMechanisms(addr.Kind)
	}
	ret := &Listener{
		l:    l,
		addr: bound,
		srv: &sasl.Server{
			Mechanisms: mechs,
			GUID:       guid,
			AllowFDs:   bound.Kind == "unix" && !opts.DisableFDs,
			Logger:     opts.Logger,
		},
		opts: opts,
		log:  logger(opts.Logger).WithFields(logrus.Fields{"component": "listener", "address": bound.String()}),
	}
	ret.log.Debug("listening")
	return ret, nil
}

// resolveListen returns the concrete address to bind for addr.
func resolveListen(addr Address) (Address, error) {
	ret := Address{Kind: addr.Kind, Params: map[string]string{}}
	switch addr.Kind {
	case "unix":
		switch {
		case addr.Params["path"] != "":
			ret.Params["path"] = addr.Params["path"]
		case addr.Params["abstract"] != "":
			ret.Params["abstract"] = addr.Params["abstract"]
		case addr.Params["tmpdir"] != "" || addr.Params["dir"] != "":
			dir := addr.Params["dir"]
			if dir == "" {
				dir = addr.Params["tmpdir"]
			}
			var suffix [8]byte
			if _, err := rand.Read(suffix[:]); err != nil {
				return Address{}, err
			}
			ret.Params["path"] = filepath.Join(dir, "dbus-"+hex.EncodeToString(suffix[:]))
		default:
			return Address{}, fmt.Errorf("%w: unix listen address %s needs path, abstract, tmpdir or dir", ErrInvalidAddress, addr)
		}
	case "tcp":
		for _, k := range []string{"host", "port", "family"} {
			if v := addr.Params[k]; v != "" {
				ret.Params[k] = v
			}
		}
		if ret.Params["host"] == "" {
			ret.Params["host"] = "localhost"
		}
	default:
		return Address{}, fmt.Errorf("%w: unsupported transport %q", ErrInvalidAddress, addr.Kind)
	}
	return ret, nil
}

func applySocketFile(path string, sf *SocketFile) error {
	if uid, gid, ok := sf.owner(); ok {
		if err := os.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("setting owner of %s: %w", path, err)
		}
	}
	if sf.Mode != 0 {
		if err := os.Chmod(path, sf.Mode); err != nil {
			return fmt.Errorf("setting mode of %s: %w", path, err)
		}
	}
	return nil
}

// Addr returns an address clients can dial to reach l, including
// the server GUID.
func (l *Listener) Addr() Address {
	return l.addr
}

// GUID returns the listener's server GUID.
func (l *Listener) GUID() string {
	return l.srv.GUID
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Accept waits for a client and authenticates it. A client that fails
// authentication is disconnected and reported as an error, and the
// listener remains usable. Accept must not be called concurrently.
func (l *Listener) Accept(ctx context.Context) (Transport, error) {
	if d, ok := l.l.(deadliner); ok {
		stop := context.AfterFunc(ctx, func() {
			d.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			stop()
			d.SetDeadline(time.Time{})
		}()
	}
	sock, err := l.l.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	uid := peerUID(sock)
	res, err := l.srv.Authenticate(ctx, sock, sasl.Credentials{UID: uid})
	if err != nil {
		sock.Close()
		l.log.WithError(err).Info("client failed authentication")
		return nil, err
	}
	ret, err := newConn(sock, res, uid, l.opts.Providers)
	if err != nil {
		sock.Close()
		return nil, err
	}
	l.log.WithFields(logrus.Fields{
		"mechanism": res.Mechanism,
		"uid":       uid,
		"fds":       ret.SupportsFDs(),
	}).Debug("accepted client")
	return ret, nil
}

// Close stops listening. Unix socket files created by Listen are
// removed.
func (l *Listener) Close() error {
	return l.l.Close()
}

// IsAuthError reports whether err is an authentication failure from
// Accept or Dial, as opposed to a listener or socket error.
func IsAuthError(err error) bool {
	var ae *sasl.AuthError
	return errors.As(err, &ae)
}
