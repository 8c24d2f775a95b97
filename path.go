package dbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/corebus/dbus/fragments"
)

// ObjectPath is a DBus object path.
//
// A valid object path starts with '/', and is a sequence of
// non-empty elements separated by '/'. Elements may only contain the
// ASCII characters [A-Z][a-z][0-9]_. The root path "/" is the only
// valid path that ends with '/'.
type ObjectPath string

var objectPathSignature = mkSignature("o")

func (p ObjectPath) SignatureDBus() Signature { return objectPathSignature }

func (p ObjectPath) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if !p.Valid() {
		return fmt.Errorf("invalid object path %q", p)
	}
	e.String(string(p))
	return nil
}

func (p *ObjectPath) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	if !ObjectPath(s).Valid() {
		return fmt.Errorf("%w: invalid object path %q", fragments.ErrMalformed, s)
	}
	*p = ObjectPath(s)
	return nil
}

// Valid reports whether p is a syntactically valid object path.
func (p ObjectPath) Valid() bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if p == "/" {
		return true
	}
	if p[len(p)-1] == '/' {
		return false
	}
	for _, elem := range strings.Split(string(p[1:]), "/") {
		if elem == "" {
			return false
		}
		for _, r := range elem {
			if !isPathChar(r) {
				return false
			}
		}
	}
	return true
}

func isPathChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

// Clean returns p with redundant slashes removed.
func (p ObjectPath) Clean() ObjectPath {
	parts := strings.FieldsFunc(string(p), func(r rune) bool { return r == '/' })
	return ObjectPath("/" + strings.Join(parts, "/"))
}

// IsChildOf reports whether p is a strict descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// Parent returns the parent of p. The parent of "/" is "/".
func (p ObjectPath) Parent() ObjectPath {
	i := strings.LastIndexByte(string(p), '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// Child returns the path of the child element name under p.
func (p ObjectPath) Child(name string) ObjectPath {
	if p == "/" {
		return ObjectPath("/" + name)
	}
	return ObjectPath(string(p) + "/" + name)
}
