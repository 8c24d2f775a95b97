package transport

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidAddress is wrapped by errors from ParseAddress.
var ErrInvalidAddress = errors.New("invalid DBus address")

// Address is a DBus server address, such as
// "unix:path=/run/dbus/system_bus_socket" or "tcp:host=localhost,port=1234".
type Address struct {
	// Kind is the transport name, "unix" or "tcp".
	Kind string
	// Params are the address's key/value pairs, unescaped.
	Params map[string]string
}

// ParseAddress parses s, which may hold several addresses separated
// by semicolons. Addresses are returned in the order they should be
// tried.
func ParseAddress(s string) ([]Address, error) {
	var ret []Address
	for _, one := range strings.Split(s, ";") {
		if one == "" {
			continue
		}
		a, err := parseOne(one)
		if err != nil {
			return nil, err
		}
		ret = append(ret, a)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("%w: empty address %q", ErrInvalidAddress, s)
	}
	return ret, nil
}

func parseOne(s string) (Address, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok || kind == "" {
		return Address{}, fmt.Errorf("%w: %q has no transport name", ErrInvalidAddress, s)
	}
	ret := Address{
		Kind:   kind,
		Params: map[string]string{},
	}
	if rest == "" {
		return ret, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return Address{}, fmt.Errorf("%w: malformed key/value %q in %q", ErrInvalidAddress, kv, s)
		}
		if _, dup := ret.Params[k]; dup {
			return Address{}, fmt.Errorf("%w: duplicate key %q in %q", ErrInvalidAddress, k, s)
		}
		uv, err := unescape(v)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		ret.Params[k] = uv
	}
	return ret, nil
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 > len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid escape %q in %q", s[i:i+3], s)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

func isOptionallyEscaped(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '/', c == '.', c == '\\', c == '*':
		return true
	}
	return false
}

func escape(s string) string {
	var b strings.Builder
	for i := range len(s) {
		c := s[i]
		if isOptionallyEscaped(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

// String returns the address in DBus address syntax. Keys are sorted.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Kind)
	b.WriteByte(':')
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escape(a.Params[k]))
	}
	return b.String()
}

// Get returns the value of the address parameter k, or "".
func (a Address) Get(k string) string {
	return a.Params[k]
}

// Listen reports whether the address carries "listen=true", marking
// it as an address to listen on rather than dial.
func (a Address) Listen() bool {
	return a.Params["listen"] == "true"
}

// GUID returns the server GUID the address expects, if any.
func (a Address) GUID() string {
	return a.Params["guid"]
}

// network returns the Go network and address to dial or listen on.
func (a Address) network() (network, addr string, err error) {
	switch a.Kind {
	case "unix":
		path, abstract := a.Params["path"], a.Params["abstract"]
		switch {
		case path != "" && abstract != "":
			return "", "", fmt.Errorf("%w: unix address %s has both path and abstract", ErrInvalidAddress, a)
		case path != "":
			return "unix", path, nil
		case abstract != "":
			return "unix", "@" + abstract, nil
		}
		return "", "", fmt.Errorf("%w: unix address %s has no path or abstract", ErrInvalidAddress, a)
	case "tcp":
		host := a.Params["host"]
		if host == "" {
			host = "localhost"
		}
		port := a.Params["port"]
		if port == "" {
			port = "0"
		}
		network := "tcp"
		switch a.Params["family"] {
		case "":
		case "ipv4":
			network = "tcp4"
		case "ipv6":
			network = "tcp6"
		default:
			return "", "", fmt.Errorf("%w: unknown tcp family %q", ErrInvalidAddress, a.Params["family"])
		}
		return network, net.JoinHostPort(host, port), nil
	default:
		return "", "", fmt.Errorf("%w: unsupported transport %q", ErrInvalidAddress, a.Kind)
	}
}
