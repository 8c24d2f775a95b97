package dbus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	signalsMu        sync.Mutex
	signalNameToType = map[signalKey]reflect.Type{}
	signalTypeToName = map[reflect.Type]signalKey{}
)

type signalKey struct {
	Interface, Signal string
}

// RegisterSignalType registers T as the struct type to use when
// decoding the body of the given signal name.
//
// RegisterSignalType panics if the signal already has a registered
// type.
func RegisterSignalType[T any](interfaceName, signalName string) {
	k := signalKey{interfaceName, signalName}
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct {
		panic(fmt.Errorf("cannot use type %s (%s) as the payload type for signal %s.%s, signal payloads must be structs", t, t.Kind(), k.Interface, k.Signal))
	}
	if _, err := SignatureFor[T](); err != nil {
		panic(fmt.Errorf("cannot use %s as dbus type for signal %s.%s: %w", t, k.Interface, k.Signal, err))
	}
	signalsMu.Lock()
	defer signalsMu.Unlock()
	if prev := signalNameToType[k]; prev != nil {
		panic(fmt.Errorf("duplicate signal type registration for %s.%s, existing registration %s", k.Interface, k.Signal, prev))
	}
	if prev, ok := signalTypeToName[t]; ok {
		panic(fmt.Errorf("duplicate signal type registration for %s, already in use by %s.%s", t, prev.Interface, prev.Signal))
	}
	signalNameToType[k] = t
	signalTypeToName[t] = k
}

func signalTypeFor(iface, member string) reflect.Type {
	signalsMu.Lock()
	defer signalsMu.Unlock()
	return signalNameToType[signalKey{iface, member}]
}

func signalNameFor(t reflect.Type) (signalKey, bool) {
	signalsMu.Lock()
	defer signalsMu.Unlock()
	k, ok := signalTypeToName[t]
	return k, ok
}

// NameOwnerChanged is sent by the bus when a name changes owner. An
// empty OldOwner means the name was just claimed, and an empty
// NewOwner means it was released.
type NameOwnerChanged struct {
	Name     string
	OldOwner string
	NewOwner string
}

// NameAcquired is sent by the bus to a connection that became the
// owner of a name.
type NameAcquired struct {
	Name string
}

// NameLost is sent by the bus to a connection that lost ownership of
// a name.
type NameLost struct {
	Name string
}

// PropertiesChanged reports changes to the properties of an
// interface.
type PropertiesChanged struct {
	Interface   string
	Changed     map[string]Variant
	Invalidated []string
}

// InterfacesAdded is emitted by an object manager when an object
// gains interfaces.
type InterfacesAdded struct {
	Object     ObjectPath
	Interfaces map[string]map[string]Variant
}

// InterfacesRemoved is emitted by an object manager when an object
// loses interfaces.
type InterfacesRemoved struct {
	Object     ObjectPath
	Interfaces []string
}

// DecodeSignal decodes the body of a signal into the type
// registered for it with [RegisterSignalType]. It returns a pointer
// to the decoded struct, or the body's values as a []any if no type
// is registered.
func DecodeSignal(m *Message) (any, error) {
	t := signalTypeFor(m.Interface, m.Member)
	if t == nil {
		return m.Args()
	}
	v := reflect.New(t)
	if err := m.Decode(v.Interface()); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

type signalHandler struct {
	id   uint64
	rule *MatchRule
	fn   func(*Message)
}

// AddSignalHandler calls fn for every received signal that matches
// rule. Each registration is called once per signal, on the
// connection's signal executor, in registration order.
//
// On bus connections, the rule is also added to the bus with
// AddMatch, and remove calls RemoveMatch.
func (c *Conn) AddSignalHandler(ctx context.Context, rule *MatchRule, fn func(*Message)) (remove func(), err error) {
	if err := rule.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("nil signal handler")
	}
	if c.isBus {
		if err := c.bus.Call(ctx, "AddMatch", rule.String(), nil); err != nil {
			return nil, fmt.Errorf("adding match %q: %w", rule, err)
		}
		if s, ok := rule.sender.GetOK(); ok && !strings.HasPrefix(s, ":") && s != busName {
			c.trackOwner(ctx, s)
		}
	}

	c.mu.Lock()
	c.nextHandler++
	h := &signalHandler{id: c.nextHandler, rule: rule, fn: fn}
	c.handlers[h.id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, h.id)
			c.mu.Unlock()
			if c.isBus && c.State() == StateConnected {
				ctx, cancel := context.WithTimeout(context.Background(), c.opts.callTimeout)
				defer cancel()
				if err := c.bus.Call(ctx, "RemoveMatch", rule.String(), nil); err != nil {
					c.log.WithError(err).WithField("rule", rule.String()).Debug("RemoveMatch failed")
				}
			}
		})
	}, nil
}

// trackOwner starts following the owner of the well-known name, so
// that signals from it can be matched by sender.
func (c *Conn) trackOwner(ctx context.Context, name string) {
	c.mu.Lock()
	_, tracked := c.owners[name]
	if !tracked {
		c.owners[name] = ""
	}
	c.mu.Unlock()
	if tracked {
		return
	}

	rule := MatchNotification[NameOwnerChanged]().Sender(busName).Arg(0, name)
	if err := c.bus.Call(ctx, "AddMatch", rule.String(), nil); err != nil {
		c.log.WithError(err).WithField("name", name).Debug("cannot follow name owner")
	}
	owner, err := c.GetNameOwner(ctx, name)
	if err != nil && !errors.Is(err, ErrNameHasNoOwner) {
		c.log.WithError(err).WithField("name", name).Debug("GetNameOwner failed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owners[name] == "" {
		c.owners[name] = owner
	}
}

func (c *Conn) ownerOf(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[name]
}

// deliverSignal runs every matching handler for m.
func (c *Conn) deliverSignal(m *Message) {
	followed := false
	if m.Sender == busName && m.Interface == ifaceBus && m.Member == "NameOwnerChanged" {
		var noc NameOwnerChanged
		if err := m.Decode(&noc); err == nil {
			c.mu.Lock()
			if _, ok := c.owners[noc.Name]; ok {
				c.owners[noc.Name] = noc.NewOwner
				followed = true
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	hs := make([]*signalHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	slices.SortFunc(hs, func(a, b *signalHandler) int {
		return cmp.Compare(a.id, b.id)
	})

	matched := false
	for _, h := range hs {
		if !h.rule.matches(m, c.ownerOf) {
			continue
		}
		matched = true
		c.runHandler(h, m)
	}
	if !matched && !followed {
		if fn := c.opts.unknownSignal; fn != nil {
			fn(m)
		} else {
			c.log.WithFields(logrus.Fields{
				"interface": m.Interface,
				"member":    m.Member,
				"sender":    m.Sender,
			}).Debug("no handler for signal")
		}
	}
}

func (c *Conn) runHandler(h *signalHandler, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"panic":  r,
				"member": m.Member,
			}).Error("signal handler panicked")
		}
	}()
	h.fn(m)
}
