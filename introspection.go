package dbus

import (
	"cmp"
	"encoding/xml"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ObjectDescription describes a DBus object's exported interfaces and
// child objects.
//
// Interface and child descriptions are provided by the DBus peer
// hosting the object, and may not accurately reflect the actual
// exposed API or object structure.
type ObjectDescription struct {
	// Interfaces maps an interface name to a description of its API.
	Interfaces map[string]*InterfaceDescription
	// Children is the relative paths to child objects under this
	// object. The relative paths may contain multiple path
	// components.
	Children []string
}

// InterfaceDescription describes a DBus interface.
type InterfaceDescription struct {
	Name       string
	Methods    []*MethodDescription
	Signals    []*SignalDescription
	Properties []*PropertyDescription
}

func (d InterfaceDescription) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface %s {\n", d.Name)
	writeSorted(&b, d.Methods, func(m *MethodDescription) string { return m.Name })
	writeSorted(&b, d.Signals, func(s *SignalDescription) string { return s.Name })
	writeSorted(&b, d.Properties, func(p *PropertyDescription) string { return p.Name })
	b.WriteString("}")
	return b.String()
}

func writeSorted[T fmt.Stringer](b *strings.Builder, vs []T, name func(T) string) {
	sorted := slices.SortedFunc(slices.Values(vs), func(x, y T) int {
		return cmp.Compare(name(x), name(y))
	})
	for _, v := range sorted {
		fmt.Fprintf(b, "  %s\n", v)
	}
}

// MethodDescription describes a DBus method.
type MethodDescription struct {
	Name string
	In   []ArgumentDescription
	Out  []ArgumentDescription
	// Deprecated, if true, indicates that the method should be
	// avoided in new code.
	Deprecated bool
	// If true, NoReply indicates that the caller is expected to use
	// Interface.OneWay to invoke this method, not Interface.Call.
	NoReply bool
}

func (m *MethodDescription) String() string {
	ret := fmt.Sprintf("func %s(%s)", m.Name, argList(m.In))
	if len(m.Out) > 0 {
		ret += fmt.Sprintf(" (%s)", argList(m.Out))
	}
	var tags []string
	if m.Deprecated {
		tags = append(tags, "deprecated")
	}
	if m.NoReply {
		tags = append(tags, "noreply")
	}
	return ret + tagList(tags)
}

// SignalDescription describes a DBus signal.
type SignalDescription struct {
	Name string
	Args []ArgumentDescription
	// Deprecated, if true, indicates that the signal should be
	// avoided in new code.
	Deprecated bool
}

func (s *SignalDescription) String() string {
	ret := fmt.Sprintf("signal %s(%s)", s.Name, argList(s.Args))
	if s.Deprecated {
		ret += tagList([]string{"deprecated"})
	}
	return ret
}

// PropertyDescription describes a DBus property.
type PropertyDescription struct {
	Name string
	Type Signature

	// If true, Constant indicates that the property's value never
	// changes, and thus can safely be cached locally.
	Constant bool
	// Readable is whether the property value can be read using
	// Interface.GetProperty.
	Readable bool
	// Writable is whether the property value can be set using
	// Interface.SetProperty
	Writable bool

	// EmitsSignal is whether the property emits a PropertiesChanged
	// signal when updated.
	EmitsSignal bool
	// SignalIncludesValue is whether the PropertiesChanged signal
	// carries the new value. If false, the signal only invalidates
	// the property.
	SignalIncludesValue bool

	// Deprecated, if true, indicates that the property should be
	// avoided in new code.
	Deprecated bool
}

func (p *PropertyDescription) String() string {
	var tags []string
	switch {
	case p.Readable && !p.Writable && p.Constant:
		tags = append(tags, "const")
	case p.Readable && p.Writable:
		tags = append(tags, "readwrite")
	case p.Readable:
		tags = append(tags, "readonly")
	case p.Writable:
		tags = append(tags, "writeonly")
	}
	if p.Deprecated {
		tags = append(tags, "deprecated")
	}
	switch {
	case p.EmitsSignal && p.SignalIncludesValue:
		tags = append(tags, "signals")
	case p.EmitsSignal:
		tags = append(tags, "invalidates")
	}
	return fmt.Sprintf("property %s %s", p.Name, p.Type.Type()) + tagList(tags)
}

// ArgumentDescription describes a DBus method's input or output, or a
// signal's argument.
type ArgumentDescription struct {
	Name string // optional
	Type Signature
}

func (a ArgumentDescription) String() string {
	if a.Name == "" {
		return a.Type.Type().String()
	}
	// Old interfaces use dashed names.
	return fmt.Sprintf("%s %s", strings.ReplaceAll(a.Name, "-", "_"), a.Type.Type())
}

func argList(args []ArgumentDescription) string {
	ss := make([]string, 0, len(args))
	for _, a := range args {
		ss = append(ss, a.String())
	}
	return strings.Join(ss, ", ")
}

func tagList(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return " [" + strings.Join(tags, ",") + "]"
}

// IntrospectHeader is the document type declaration that starts an
// introspection document.
const IntrospectHeader = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`

const (
	annDeprecated  = "org.freedesktop.DBus.Deprecated"
	annNoReply     = "org.freedesktop.DBus.Method.NoReply"
	annEmitsSignal = "org.freedesktop.DBus.Property.EmitsChangedSignal"
)

// The xml* types mirror the introspection DTD. Descriptions are
// converted to and from them.

type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlArg struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

type xmlMember struct {
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlProperty struct {
	Name        string          `xml:"name,attr"`
	Type        string          `xml:"type,attr"`
	Access      string          `xml:"access,attr"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlInterface struct {
	Name       string        `xml:"name,attr"`
	Methods    []xmlMember   `xml:"method"`
	Signals    []xmlMember   `xml:"signal"`
	Properties []xmlProperty `xml:"property"`
}

type xmlNode struct {
	XMLName    xml.Name       `xml:"node"`
	Name       string         `xml:"name,attr,omitempty"`
	Interfaces []xmlInterface `xml:"interface"`
	Children   []xmlNode      `xml:"node"`
}

func annotation(anns []xmlAnnotation, name string) string {
	for _, a := range anns {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

func flagAnnotation(name string, set bool) []xmlAnnotation {
	if !set {
		return nil
	}
	return []xmlAnnotation{{name, "true"}}
}

// parseArgs splits args by direction. A missing direction means
// "in".
func parseArgs(args []xmlArg, what string) (in, out []ArgumentDescription, err error) {
	for _, a := range args {
		sig, err := ParseSignature(a.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid signature %q for %s arg %s: %w", a.Type, what, a.Name, err)
		}
		ad := ArgumentDescription{Name: a.Name, Type: sig}
		if a.Direction == "out" {
			out = append(out, ad)
		} else {
			in = append(in, ad)
		}
	}
	return in, out, nil
}

func encodeArgs(args []ArgumentDescription, dir string) []xmlArg {
	ret := make([]xmlArg, 0, len(args))
	for _, a := range args {
		ret = append(ret, xmlArg{Name: a.Name, Type: a.Type.String(), Direction: dir})
	}
	return ret
}

func (x *xmlInterface) description() (*InterfaceDescription, error) {
	ret := &InterfaceDescription{Name: x.Name}
	for _, m := range x.Methods {
		in, out, err := parseArgs(m.Args, "method "+m.Name)
		if err != nil {
			return nil, err
		}
		ret.Methods = append(ret.Methods, &MethodDescription{
			Name:       m.Name,
			In:         in,
			Out:        out,
			Deprecated: annotation(m.Annotations, annDeprecated) == "true",
			NoReply:    annotation(m.Annotations, annNoReply) == "true",
		})
	}
	for _, s := range x.Signals {
		in, out, err := parseArgs(s.Args, "signal "+s.Name)
		if err != nil {
			return nil, err
		}
		ret.Signals = append(ret.Signals, &SignalDescription{
			Name:       s.Name,
			Args:       append(in, out...),
			Deprecated: annotation(s.Annotations, annDeprecated) == "true",
		})
	}
	for _, p := range x.Properties {
		sig, err := ParseSignature(p.Type)
		if err != nil {
			return nil, fmt.Errorf("invalid signature %q for property %s: %w", p.Type, p.Name, err)
		}
		pd := &PropertyDescription{
			Name:                p.Name,
			Type:                sig,
			EmitsSignal:         true,
			SignalIncludesValue: true,
			Deprecated:          annotation(p.Annotations, annDeprecated) == "true",
		}
		switch p.Access {
		case "read":
			pd.Readable = true
		case "write":
			pd.Writable = true
		case "readwrite":
			pd.Readable, pd.Writable = true, true
		default:
			return nil, fmt.Errorf("unknown property access value %q", p.Access)
		}
		switch annotation(p.Annotations, annEmitsSignal) {
		case "false":
			pd.EmitsSignal, pd.SignalIncludesValue = false, false
		case "invalidates":
			pd.SignalIncludesValue = false
		case "const":
			pd.Constant = true
			pd.EmitsSignal, pd.SignalIncludesValue = false, false
		}
		ret.Properties = append(ret.Properties, pd)
	}
	return ret, nil
}

func (d *InterfaceDescription) xml() xmlInterface {
	ret := xmlInterface{Name: d.Name}
	for _, m := range d.Methods {
		ret.Methods = append(ret.Methods, xmlMember{
			Name: m.Name,
			Args: append(encodeArgs(m.In, "in"), encodeArgs(m.Out, "out")...),
			Annotations: append(
				flagAnnotation(annDeprecated, m.Deprecated),
				flagAnnotation(annNoReply, m.NoReply)...),
		})
	}
	for _, s := range d.Signals {
		ret.Signals = append(ret.Signals, xmlMember{
			Name:        s.Name,
			Args:        encodeArgs(s.Args, ""),
			Annotations: flagAnnotation(annDeprecated, s.Deprecated),
		})
	}
	for _, p := range d.Properties {
		xp := xmlProperty{
			Name:        p.Name,
			Type:        p.Type.String(),
			Access:      "read",
			Annotations: flagAnnotation(annDeprecated, p.Deprecated),
		}
		switch {
		case p.Readable && p.Writable:
			xp.Access = "readwrite"
		case p.Writable:
			xp.Access = "write"
		}
		emits := ""
		switch {
		case p.Constant:
			emits = "const"
		case !p.EmitsSignal:
			emits = "false"
		case !p.SignalIncludesValue:
			emits = "invalidates"
		}
		if emits != "" {
			xp.Annotations = append(xp.Annotations, xmlAnnotation{annEmitsSignal, emits})
		}
		ret.Properties = append(ret.Properties, xp)
	}
	return ret
}

func (o *ObjectDescription) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var node xmlNode
	if err := d.DecodeElement(&node, &start); err != nil {
		return err
	}
	o.Interfaces = make(map[string]*InterfaceDescription, len(node.Interfaces))
	for _, xi := range node.Interfaces {
		iface, err := xi.description()
		if err != nil {
			return fmt.Errorf("interface %s: %w", xi.Name, err)
		}
		o.Interfaces[iface.Name] = iface
	}
	o.Children = make([]string, 0, len(node.Children))
	for _, c := range node.Children {
		o.Children = append(o.Children, c.Name)
	}
	return nil
}

// XML returns o as an introspection document, which decodes back to
// o with encoding/xml. Interfaces and children are sorted by name.
func (o *ObjectDescription) XML() ([]byte, error) {
	var node xmlNode
	for _, name := range slices.Sorted(maps.Keys(o.Interfaces)) {
		xi := o.Interfaces[name].xml()
		xi.Name = name
		node.Interfaces = append(node.Interfaces, xi)
	}
	for _, child := range slices.Sorted(slices.Values(o.Children)) {
		node.Children = append(node.Children, xmlNode{Name: child})
	}

	bs, err := xml.MarshalIndent(node, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(IntrospectHeader), bs...), nil
}

// ParseIntrospection parses an introspection document, as returned
// by org.freedesktop.DBus.Introspectable.Introspect.
func ParseIntrospection(doc string) (*ObjectDescription, error) {
	var ret ObjectDescription
	if err := xml.Unmarshal([]byte(doc), &ret); err != nil {
		return nil, fmt.Errorf("parsing introspection data: %w", err)
	}
	return &ret, nil
}
