package dbus

import (
	"errors"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
)

var machineID = sync.OnceValues(func() (string, error) {
	bs, err := os.ReadFile("/etc/machine-id")
	if errors.Is(err, fs.ErrNotExist) {
		bs, err = os.ReadFile("/var/lib/dbus/machine-id")
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(bs)), nil
})

// handlePeer implements org.freedesktop.DBus.Peer, on all paths.
func (c *Conn) handlePeer(m *Message) (any, error) {
	switch m.Member {
	case "Ping":
		return nil, nil
	case "GetMachineId":
		id, err := machineID()
		if err != nil {
			return nil, NewCallError(ErrNameFailed, "cannot read machine ID: %v", err)
		}
		return id, nil
	default:
		return nil, NewCallError(ErrNameUnknownMethod, "no method %s on interface %s", m.Member, ifacePeer)
	}
}

var builtinDescriptions = map[string]*InterfaceDescription{
	ifacePeer: {
		Name: ifacePeer,
		Methods: []*MethodDescription{
			{Name: "Ping"},
			{Name: "GetMachineId", Out: []ArgumentDescription{{Name: "machine_uuid", Type: mkSignature("s")}}},
		},
	},
	ifaceIntro: {
		Name: ifaceIntro,
		Methods: []*MethodDescription{
			{Name: "Introspect", Out: []ArgumentDescription{{Name: "xml_data", Type: mkSignature("s")}}},
		},
	},
	ifaceProps: {
		Name: ifaceProps,
		Methods: []*MethodDescription{
			{Name: "Get", In: []ArgumentDescription{
				{Name: "interface_name", Type: mkSignature("s")},
				{Name: "property_name", Type: mkSignature("s")},
			}, Out: []ArgumentDescription{{Name: "value", Type: mkSignature("v")}}},
			{Name: "Set", In: []ArgumentDescription{
				{Name: "interface_name", Type: mkSignature("s")},
				{Name: "property_name", Type: mkSignature("s")},
				{Name: "value", Type: mkSignature("v")},
			}},
			{Name: "GetAll", In: []ArgumentDescription{
				{Name: "interface_name", Type: mkSignature("s")},
			}, Out: []ArgumentDescription{{Name: "props", Type: mkSignature("a{sv}")}}},
		},
		Signals: []*SignalDescription{
			{Name: "PropertiesChanged", Args: []ArgumentDescription{
				{Name: "interface_name", Type: mkSignature("s")},
				{Name: "changed_properties", Type: mkSignature("a{sv}")},
				{Name: "invalidated_properties", Type: mkSignature("as")},
			}},
		},
	},
}

// describe returns the ObjectDescription of path as seen by remote
// peers, and whether anything exists at or below path.
func (c *Conn) describe(path ObjectPath) (*ObjectDescription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ret := &ObjectDescription{Interfaces: map[string]*InterfaceDescription{}}
	children := map[string]bool{}
	for p := range c.objects {
		if !p.IsChildOf(path) {
			continue
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(string(p), string(path)), "/")
		child, _, _ := strings.Cut(rest, "/")
		children[child] = true
	}
	ret.Children = slices.Sorted(maps.Keys(children))

	ifaces := c.objects[path]
	if len(ifaces) == 0 {
		return ret, len(children) > 0 || path == "/"
	}
	for name, d := range builtinDescriptions {
		ret.Interfaces[name] = d
	}
	for name, exp := range ifaces {
		ret.Interfaces[name] = exp.describe()
	}
	return ret, true
}

func (e *exportedIface) describe() *InterfaceDescription {
	ret := &InterfaceDescription{Name: e.name}
	for _, name := range slices.Sorted(maps.Keys(e.methods)) {
		m := e.methods[name]
		ret.Methods = append(ret.Methods, &MethodDescription{
			Name: name,
			In:   argDescriptions(m.in),
			Out:  argDescriptions(m.out),
		})
	}
	for _, name := range slices.Sorted(maps.Keys(e.impl.Signals)) {
		ret.Signals = append(ret.Signals, &SignalDescription{
			Name: name,
			Args: argDescriptions(e.impl.Signals[name]),
		})
	}
	for _, name := range slices.Sorted(maps.Keys(e.impl.Properties)) {
		p := e.impl.Properties[name]
		ret.Properties = append(ret.Properties, &PropertyDescription{
			Name:                name,
			Type:                p.Type,
			Readable:            p.Get != nil,
			Writable:            p.Set != nil,
			EmitsSignal:         true,
			SignalIncludesValue: true,
		})
	}
	return ret
}

// argDescriptions splits a body signature into one unnamed argument
// per complete type.
func argDescriptions(sig Signature) []ArgumentDescription {
	var ret []ArgumentDescription
	for _, t := range sig.Types() {
		s, err := signatureFor(t, nil)
		if err != nil {
			continue
		}
		ret = append(ret, ArgumentDescription{Type: s})
	}
	return ret
}

// introspect implements org.freedesktop.DBus.Introspectable.
func (c *Conn) introspect(path ObjectPath) (any, error) {
	desc, ok := c.describe(path)
	if !ok {
		return nil, NewCallError(ErrNameUnknownObject, "no object at path %s", path)
	}
	bs, err := desc.XML()
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}
