package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/corebus/dbus/fragments"
)

// Variant is a DBus value whose type is carried alongside it on the
// wire.
//
// Value may be any value representable by DBus, including another
// Variant. When decoding, struct values are produced as anonymous
// structs with fields Field0..FieldN.
type Variant struct {
	Value any
}

var (
	variantType      = reflect.TypeFor[Variant]()
	variantSignature = mkSignature("v")
)

func (v Variant) SignatureDBus() Signature { return variantSignature }

func (v Variant) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if v.Value == nil {
		return errors.New("cannot marshal Variant with nil Value")
	}
	sig, err := SignatureOf(v.Value)
	if err != nil {
		return err
	}
	if !sig.IsSingle() {
		return fmt.Errorf("Variant value %T must be a single complete type, got signature %q", v.Value, sig)
	}
	e.Signature(sig.String())
	return e.Value(ctx, v.Value)
}

func (v *Variant) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	var sig Signature
	if err := d.Value(ctx, &sig); err != nil {
		return fmt.Errorf("reading Variant signature: %w", err)
	}
	if !sig.IsSingle() {
		return fmt.Errorf("%w: Variant signature %q is not a single complete type", fragments.ErrMalformed, sig)
	}
	inner := reflect.New(sig.Type())
	if err := d.Value(ctx, inner.Interface()); err != nil {
		return fmt.Errorf("reading Variant value (signature %q): %w", sig, err)
	}
	v.Value = inner.Elem().Interface()
	return nil
}

func (v Variant) String() string {
	return fmt.Sprintf("Variant{%#v}", v.Value)
}
