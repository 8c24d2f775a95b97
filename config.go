package dbus

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/corebus/dbus/dispatch"
	"github.com/corebus/dbus/sasl"
)

// Config is a connection configuration loaded from YAML.
//
// A zero field keeps the library default.
type Config struct {
	// Address is the bus or peer address to dial. Empty means the
	// session bus.
	Address string `yaml:"address"`

	// Bus is whether Address is a message bus. Default: true.
	Bus *bool `yaml:"bus,omitempty"`

	// CallTimeout is how long method calls wait for a reply, as a Go
	// duration string. Default: 25s
	CallTimeout string `yaml:"call_timeout"`

	// Dispatch configures the receive executors.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Mechanisms are the SASL mechanisms to try, in order: external,
	// cookie_sha1 and anonymous. Default: depends on the address.
	Mechanisms []string `yaml:"mechanisms"`

	// Keyring configures DBUS_COOKIE_SHA1.
	Keyring KeyringConfig `yaml:"keyring"`

	// LogLevel is a logrus level name. Default: info
	LogLevel string `yaml:"log_level"`

	// WatcherQueue is the notification backlog of each Watcher.
	// Default: 20
	WatcherQueue int `yaml:"watcher_queue"`

	// DisableFDs turns off unix fd passing.
	DisableFDs bool `yaml:"disable_fds"`
}

// DispatchConfig configures the receive executors.
type DispatchConfig struct {
	// Workers maps an executor (signal, error, method_call,
	// method_return) to its pool size.
	Workers map[string]int `yaml:"workers"`

	// QueueDepth is the per executor queue length. Default: 128
	QueueDepth int `yaml:"queue_depth"`
}

// KeyringConfig locates the DBUS_COOKIE_SHA1 keyring.
type KeyringConfig struct {
	// Dir is the keyring directory. Default: ~/.dbus-keyrings
	Dir string `yaml:"dir"`

	// Context is the cookie context. Default: org_freedesktop_general
	Context string `yaml:"context"`
}

var executorNames = map[string]dispatch.Name{
	"signal":        dispatch.Signal,
	"error":         dispatch.Error,
	"method_call":   dispatch.MethodCall,
	"method_return": dispatch.MethodReturn,
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses and validates a YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsBus reports whether Address names a message bus.
func (c *Config) IsBus() bool { return c.Bus == nil || *c.Bus }

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.CallTimeout != "" {
		if d, err := time.ParseDuration(c.CallTimeout); err != nil {
			errs = append(errs, fmt.Errorf("call_timeout: %w", err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("call_timeout must be positive, got %s", c.CallTimeout))
		}
	}
	for name, n := range c.Dispatch.Workers {
		if _, ok := executorNames[name]; !ok {
			errs = append(errs, fmt.Errorf("dispatch.workers: unknown executor %q", name))
		}
		if n < 0 {
			errs = append(errs, fmt.Errorf("dispatch.workers.%s must not be negative", name))
		}
	}
	if c.Dispatch.QueueDepth < 0 {
		errs = append(errs, errors.New("dispatch.queue_depth must not be negative"))
	}
	for _, m := range c.Mechanisms {
		if _, err := c.mechanism(m); err != nil {
			errs = append(errs, err)
		}
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	if c.WatcherQueue < 0 {
		errs = append(errs, errors.New("watcher_queue must not be negative"))
	}

	return errors.Join(errs...)
}

func (c *Config) keyring() (*sasl.Keyring, error) {
	kr, err := sasl.DefaultKeyring()
	if err != nil && c.Keyring.Dir == "" {
		return nil, err
	}
	if kr == nil {
		kr = &sasl.Keyring{Context: sasl.DefaultContext}
	}
	if c.Keyring.Dir != "" {
		kr.Dir = c.Keyring.Dir
	}
	if c.Keyring.Context != "" {
		return kr.WithContext(c.Keyring.Context)
	}
	return kr, nil
}

func (c *Config) mechanism(name string) (sasl.ClientMechanism, error) {
	uid := os.Getuid()
	switch strings.ToLower(name) {
	case "external":
		return sasl.External{UID: uid}, nil
	case "anonymous":
		return sasl.Anonymous{}, nil
	case "cookie_sha1", "dbus_cookie_sha1":
		ret := sasl.CookieSHA1{UID: uid}
		if c.Keyring != (KeyringConfig{}) {
			kr, err := c.keyring()
			if err != nil {
				return nil, fmt.Errorf("keyring: %w", err)
			}
			ret.Keyring = kr
		}
		return ret, nil
	default:
		return nil, fmt.Errorf("unknown SASL mechanism %q", name)
	}
}

// Options returns the connection options described by c.
func (c *Config) Options() ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var ret []Option

	if c.LogLevel != "" {
		level, _ := logrus.ParseLevel(c.LogLevel)
		l := logrus.New()
		l.SetLevel(level)
		ret = append(ret, WithLogger(l))
	}
	if c.CallTimeout != "" {
		d, _ := time.ParseDuration(c.CallTimeout)
		ret = append(ret, WithCallTimeout(d))
	}
	if len(c.Dispatch.Workers) > 0 || c.Dispatch.QueueDepth > 0 {
		dc := dispatch.DefaultConfig()
		dc.Workers = map[dispatch.Name]int{}
		for name, n := range c.Dispatch.Workers {
			dc.Workers[executorNames[name]] = n
		}
		dc.QueueDepth = c.Dispatch.QueueDepth
		ret = append(ret, WithDispatch(dc))
	}
	if len(c.Mechanisms) > 0 {
		mechs := make([]sasl.ClientMechanism, 0, len(c.Mechanisms))
		for _, name := range c.Mechanisms {
			m, err := c.mechanism(name)
			if err != nil {
				return nil, err
			}
			mechs = append(mechs, m)
		}
		ret = append(ret, WithMechanisms(mechs...))
	}
	if c.WatcherQueue > 0 {
		ret = append(ret, WithWatcherQueue(c.WatcherQueue))
	}
	if c.DisableFDs {
		ret = append(ret, WithoutFDs())
	}
	return ret, nil
}
