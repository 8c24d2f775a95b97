package dbus

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testIntrospection = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
<node name="/org/example">
  <interface name="org.example.Thing">
    <method name="Frob">
      <arg name="count" type="u"/>
      <arg name="label" type="s" direction="in"/>
      <arg name="result" type="a{sv}" direction="out"/>
      <annotation name="org.freedesktop.DBus.Deprecated" value="true"/>
    </method>
    <method name="Poke">
      <annotation name="org.freedesktop.DBus.Method.NoReply" value="true"/>
    </method>
    <signal name="Frobbed">
      <arg name="by" type="s"/>
    </signal>
    <property name="Size" type="t" access="read">
      <annotation name="org.freedesktop.DBus.Property.EmitsChangedSignal" value="const"/>
    </property>
    <property name="Name" type="s" access="readwrite">
      <annotation name="org.freedesktop.DBus.Property.EmitsChangedSignal" value="invalidates"/>
    </property>
    <property name="Token" type="ay" access="write"/>
  </interface>
  <node name="child"/>
  <node name="other"/>
</node>
`

func TestParseIntrospection(t *testing.T) {
	got, err := ParseIntrospection(testIntrospection)
	if err != nil {
		t.Fatalf("ParseIntrospection: %v", err)
	}

	want := &ObjectDescription{
		Interfaces: map[string]*InterfaceDescription{
			"org.example.Thing": {
				Name: "org.example.Thing",
				Methods: []*MethodDescription{
					{
						Name: "Frob",
						In: []ArgumentDescription{
							{"count", mkSignature("u")},
							{"label", mkSignature("s")},
						},
						Out:        []ArgumentDescription{{"result", mkSignature("a{sv}")}},
						Deprecated: true,
					},
					{Name: "Poke", NoReply: true},
				},
				Signals: []*SignalDescription{
					{Name: "Frobbed", Args: []ArgumentDescription{{"by", mkSignature("s")}}},
				},
				Properties: []*PropertyDescription{
					{Name: "Size", Type: mkSignature("t"), Readable: true, Constant: true},
					{Name: "Name", Type: mkSignature("s"), Readable: true, Writable: true, EmitsSignal: true},
					{Name: "Token", Type: mkSignature("ay"), Writable: true, EmitsSignal: true, SignalIncludesValue: true},
				},
			},
		},
		Children: []string{"child", "other"},
	}
	if diff := cmp.Diff(got, want, cmp.Comparer(func(a, b Signature) bool { return a.String() == b.String() })); diff != "" {
		t.Fatalf("wrong description (-got+want):\n%s", diff)
	}

	bs, err := got.XML()
	if err != nil {
		t.Fatalf("XML: %v", err)
	}
	if !strings.HasPrefix(string(bs), IntrospectHeader) {
		t.Errorf("generated document lacks doctype:\n%s", bs)
	}
	again, err := ParseIntrospection(string(bs))
	if err != nil {
		t.Fatalf("reparsing generated XML: %v\n%s", err, bs)
	}
	if diff := cmp.Diff(again, got, cmp.Comparer(func(a, b Signature) bool { return a.String() == b.String() })); diff != "" {
		t.Errorf("generated XML does not round trip (-got+want):\n%s", diff)
	}
}

func TestParseIntrospectionErrors(t *testing.T) {
	tests := []string{
		`<node><interface name="a.b"><method name="M"><arg type="!"/></method></interface></node>`,
		`<node><interface name="a.b"><property name="P" type="s" access="sideways"/></interface></node>`,
		`<node><interface name="a.b">`,
	}
	for _, doc := range tests {
		if _, err := ParseIntrospection(doc); err == nil {
			t.Errorf("ParseIntrospection(%q) succeeded, want error", doc)
		}
	}
}

func TestDescriptionString(t *testing.T) {
	d := InterfaceDescription{
		Name: "org.example.Thing",
		Methods: []*MethodDescription{
			{Name: "Poke", NoReply: true},
			{Name: "Frob", In: []ArgumentDescription{{"some-count", mkSignature("u")}}, Out: []ArgumentDescription{{Type: mkSignature("s")}}},
		},
		Properties: []*PropertyDescription{
			{Name: "Size", Type: mkSignature("t"), Readable: true, Constant: true},
		},
	}
	want := `interface org.example.Thing {
  func Frob(some_count uint32) (string)
  func Poke() [noreply]
  property Size uint64 [const]
}`
	if got := d.String(); got != want {
		t.Errorf("wrong String:\n%s\nwant:\n%s", got, want)
	}
}
