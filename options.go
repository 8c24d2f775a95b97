package dbus

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebus/dbus/dispatch"
	"github.com/corebus/dbus/sasl"
	"github.com/corebus/dbus/transport"
)

const (
	// DefaultCallTimeout is how long method calls wait for a reply
	// when their context has no deadline.
	DefaultCallTimeout = 25 * time.Second
	// DefaultWatcherQueue is how many notifications a Watcher holds
	// for a slow reader before it starts dropping them.
	DefaultWatcherQueue = 20
)

// An Option configures a connection.
type Option func(*options)

type options struct {
	logger        logrus.FieldLogger
	callTimeout   time.Duration
	dispatch      dispatch.Config
	dial          transport.DialOptions
	listen        transport.ListenOptions
	watcherQueue  int
	unknownSignal func(*Message)
	onDisconnect  []func(error)
}

func newOptions(opts []Option) *options {
	ret := &options{
		callTimeout:  DefaultCallTimeout,
		dispatch:     dispatch.DefaultConfig(),
		watcherQueue: DefaultWatcherQueue,
	}
	for _, o := range opts {
		o(ret)
	}
	if ret.logger == nil {
		ret.logger = logrus.StandardLogger()
	}
	if ret.dispatch.Logger == nil {
		ret.dispatch.Logger = ret.logger
	}
	if ret.dial.Logger == nil {
		ret.dial.Logger = ret.logger
	}
	if ret.listen.Logger == nil {
		ret.listen.Logger = ret.logger
	}
	return ret
}

// WithLogger sets the logger used by the connection and everything
// under it.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithCallTimeout sets how long calls wait for a reply when their
// context has no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithDispatch configures the executors that run incoming message
// handlers.
func WithDispatch(cfg dispatch.Config) Option {
	return func(o *options) { o.dispatch = cfg }
}

// WithMechanisms sets the SASL mechanisms tried when dialing.
func WithMechanisms(mechs ...sasl.ClientMechanism) Option {
	return func(o *options) { o.dial.Mechanisms = mechs }
}

// WithServerMechanisms sets the SASL mechanisms offered by a
// Listener.
func WithServerMechanisms(mechs ...sasl.ServerMechanism) Option {
	return func(o *options) { o.listen.Mechanisms = mechs }
}

// WithSocketFile sets the ownership and mode of a Listener's unix
// socket file.
func WithSocketFile(sf transport.SocketFile) Option {
	return func(o *options) { o.listen.SocketFile = &sf }
}

// WithoutFDs disables unix fd passing.
func WithoutFDs() Option {
	return func(o *options) {
		o.dial.DisableFDs = true
		o.listen.DisableFDs = true
	}
}

// WithProviders sets the transport providers, in order of
// preference.
func WithProviders(ps ...transport.Provider) Option {
	return func(o *options) {
		o.dial.Providers = ps
		o.listen.Providers = ps
	}
}

// WithWatcherQueue sets the queue length of Watchers.
func WithWatcherQueue(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.watcherQueue = n
		}
	}
}

// WithUnknownSignalHandler sets a function that receives signals no
// handler matched.
func WithUnknownSignalHandler(fn func(*Message)) Option {
	return func(o *options) { o.unknownSignal = fn }
}

// WithDisconnectHandler adds a function called once when the
// connection disconnects. The error is nil if the connection was
// closed with Close.
func WithDisconnectHandler(fn func(error)) Option {
	return func(o *options) { o.onDisconnect = append(o.onDisconnect, fn) }
}
