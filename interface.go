package dbus

import (
	"context"
	"fmt"
	"reflect"
)

// Interface is a set of methods, properties and signals offered by an
// [Object].
type Interface struct {
	o    Object
	name string
}

// Conn returns the DBus connection associated with the interface.
func (f Interface) Conn() *Conn { return f.o.Conn() }

// Peer returns the Peer that is offering the interface.
func (f Interface) Peer() Peer { return f.o.Peer() }

// Object returns the Object that implements the interface.
func (f Interface) Object() Object { return f.o }

// Name returns the name of the interface.
func (f Interface) Name() string { return f.name }

func (f Interface) String() string {
	if f.name == "" {
		return fmt.Sprintf("%s:<no interface>", f.Object())
	}
	return fmt.Sprintf("%s:%s", f.Object(), f.name)
}

// Call calls method on the interface with the given request body, and
// writes the response into response.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the body and response types to the signature of the method
// being invoked. Body may be nil for methods that accept no
// parameters. Response may be nil for methods that return no values.
func (f Interface) Call(ctx context.Context, method string, body any, response any) error {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, response, false)
}

// OneWay calls method on the interface with the given request body,
// and tells the peer not to send a reply.
//
// OneWay returns after the method call is successfully sent. Since
// the response is suppressed at the bus level, there is no way to
// know whether the call was delivered to anyone, or acted upon.
//
// This is a low-level calling API. It is the caller's responsibility
// to match the body to the signature of the method being
// invoked. Body may be nil for methods that accept no parameters.
func (f Interface) OneWay(ctx context.Context, method string, body any) error {
	return f.Conn().call(ctx, f.Peer().Name(), f.Object().Path(), f.Name(), method, body, nil, true)
}

// propertyRef names one property of an interface in
// org.freedesktop.DBus.Properties calls.
type propertyRef struct {
	Interface string
	Property  string
}

func (f Interface) property(name string) (Interface, propertyRef, error) {
	if err := ValidateMemberName(name); err != nil {
		return Interface{}, propertyRef{}, fmt.Errorf("property of %s: %w", f, err)
	}
	return f.Object().Interface(ifaceProps), propertyRef{f.name, name}, nil
}

// GetProperty reads the value of the given property into val, which
// must be a non-nil pointer.
//
// The property's value must be assignable to *val. val may be a *any
// to accept any type, or a *[Variant] to keep the value's signature.
func (f Interface) GetProperty(ctx context.Context, name string, val any) error {
	want := reflect.ValueOf(val)
	if want.Kind() != reflect.Pointer || want.IsNil() {
		return fmt.Errorf("cannot read property %s into %T, need a non-nil pointer", name, val)
	}
	props, ref, err := f.property(name)
	if err != nil {
		return err
	}

	var resp Variant
	if err := props.Call(ctx, "Get", ref, &resp); err != nil {
		return err
	}
	if v, ok := val.(*Variant); ok {
		*v = resp
		return nil
	}

	got := reflect.ValueOf(resp.Value)
	switch {
	case !got.IsValid():
		return fmt.Errorf("property %s of %s has no value", name, f)
	case !got.Type().AssignableTo(want.Type().Elem()):
		return fmt.Errorf("property %s of %s has type %s, not assignable to %s", name, f, got.Type(), want.Type().Elem())
	}
	want.Elem().Set(got)
	return nil
}

// SetProperty sets the given property to value. A [Variant] value is
// sent as is, anything else is wrapped in one.
func (f Interface) SetProperty(ctx context.Context, name string, value any) error {
	props, ref, err := f.property(name)
	if err != nil {
		return err
	}
	v, ok := value.(Variant)
	if !ok {
		v = Variant{value}
	}
	req := struct {
		propertyRef
		Value Variant
	}{ref, v}
	return props.Call(ctx, "Set", req, nil)
}

// GetAllProperties returns the values of all the readable properties
// of the interface.
func (f Interface) GetAllProperties(ctx context.Context) (map[string]any, error) {
	var resp map[string]Variant
	if err := f.Object().Interface(ifaceProps).Call(ctx, "GetAll", f.name, &resp); err != nil {
		return nil, err
	}
	ret := make(map[string]any, len(resp))
	for k, v := range resp {
		ret[k] = v.Value
	}
	return ret, nil
}

// Call calls method on iface with the given request body, and
// returns the decoded reply.
//
// A struct Req is sent as its fields. Use a struct Resp to receive a
// reply with several values.
func Call[Resp, Req any](ctx context.Context, iface Interface, method string, body Req) (Resp, error) {
	var resp Resp
	var req any = body
	if v := reflect.ValueOf(req); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		req = nil
	}
	err := iface.Call(ctx, method, req, &resp)
	return resp, err
}

// GetProperty returns the value of the named property of iface.
func GetProperty[T any](ctx context.Context, iface Interface, name string) (T, error) {
	var ret T
	err := iface.GetProperty(ctx, name, &ret)
	return ret, err
}
