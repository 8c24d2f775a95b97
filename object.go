package dbus

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Object is an object path offered by a [Peer].
type Object struct {
	p    Peer
	path ObjectPath
}

func (o Object) Conn() *Conn      { return o.p.Conn() }
func (o Object) Peer() Peer       { return o.p }
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string {
	return fmt.Sprintf("%s:%s", o.p, o.path)
}

// Interface returns the named interface of the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Introspect returns the object's introspection XML.
func (o Object) Introspect(ctx context.Context) (string, error) {
	var resp string
	if err := o.Conn().call(ctx, o.p.name, o.path, ifaceIntro, "Introspect", nil, &resp, false); err != nil {
		return "", err
	}
	return resp, nil
}

// Description introspects the object and parses the result.
func (o Object) Description(ctx context.Context) (*ObjectDescription, error) {
	s, err := o.Introspect(ctx)
	if err != nil {
		return nil, err
	}
	return ParseIntrospection(s)
}

// Interfaces returns the interfaces the object reports through
// introspection.
func (o Object) Interfaces(ctx context.Context) ([]Interface, error) {
	desc, err := o.Description(ctx)
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(desc.Interfaces))
	ret := make([]Interface, 0, len(names))
	for _, n := range names {
		ret = append(ret, o.Interface(n))
	}
	return ret, nil
}

// Child returns the child object with the given relative name.
func (o Object) Child(name string) Object {
	return o.p.Object(o.path.Child(name))
}

// ManagedObjects returns the objects and interfaces reported by the
// object's org.freedesktop.DBus.ObjectManager interface.
func (o Object) ManagedObjects(ctx context.Context) (map[Object][]Interface, error) {
	// object path -> interface name -> map[property name]value
	var resp map[ObjectPath]map[string]map[string]Variant
	err := o.Conn().call(ctx, o.p.name, o.path, "org.freedesktop.DBus.ObjectManager", "GetManagedObjects", nil, &resp, false)
	if err != nil {
		return nil, err
	}
	ret := make(map[Object][]Interface, len(resp))
	for path, ifs := range resp {
		if !path.IsChildOf(o.path) {
			return nil, fmt.Errorf("managed object %s is not a child of %s", path, o.path)
		}
		child := o.Peer().Object(path)
		ifaces := make([]Interface, 0, len(ifs))
		for _, ifname := range slices.Sorted(maps.Keys(ifs)) {
			ifaces = append(ifaces, child.Interface(ifname))
		}
		ret[child] = ifaces
	}
	return ret, nil
}
