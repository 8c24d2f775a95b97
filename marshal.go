package dbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/corebus/dbus/fragments"
)

// Marshal returns the DBus wire encoding of v, using the given byte
// ordering and the type mapping described in the package
// documentation. Values implementing [Marshaler] encode themselves.
//
// Unencodable types, including recursive ones, cause Marshal to
// return a [TypeError].
func Marshal(v any, ord fragments.ByteOrder) ([]byte, error) {
	return marshal(context.Background(), v, ord)
}

func marshal(ctx context.Context, v any, ord fragments.ByteOrder) ([]byte, error) {
	if v == nil {
		return nil, typeErr(nil, "cannot marshal nil interface")
	}
	val := reflect.ValueOf(v)
	enc, err := encoderFor(val.Type())
	if err != nil {
		return nil, err
	}
	e := fragments.Encoder{
		Order:  ord,
		Mapper: encoderFor,
	}
	if err := enc(ctx, &e, val); err != nil {
		return nil, err
	}
	return e.Out, nil
}

// Marshaler is the interface implemented by types that can marshal
// themselves to the DBus wire format.
//
// SignatureDBus is invoked on zero values of the Marshaler, and must
// return a constant value.
//
// MarshalDBus is responsible for inserting padding appropriate to the
// values being encoded, and for producing output that matches the
// structure declared by SignatureDBus.
type Marshaler interface {
	SignatureDBus() Signature
	MarshalDBus(ctx context.Context, e *fragments.Encoder) error
}

var marshalerType = reflect.TypeFor[Marshaler]()

var encoders cache[reflect.Type, fragments.EncoderFunc]

func encoderFor(t reflect.Type) (ret fragments.EncoderFunc, err error) {
	if ret, err := encoders.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}
	// Note, defer captures the type value in case it gets messed with
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			encoders.SetErr(t, err)
		} else {
			encoders.Set(t, ret)
		}
	}(t)

	// Catches recursive types before they recurse forever in the
	// encoder constructors below.
	if _, err := signatureFor(t, nil); err != nil {
		return nil, err
	}

	// If a value's pointer type implements Marshaler, we can avoid
	// a value copy by using it. But we can only use it for
	// addressable values, which requires an additional runtime check.
	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(marshalerType) {
		return newCondAddrMarshalEncoder(t), nil
	} else if t.Implements(marshalerType) {
		return newMarshalEncoder(), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return newPtrEncoder(t)
	case reflect.Int, reflect.Uint:
		return nil, typeErr(t, "int and uint aren't portable, use fixed width integers")
	case reflect.Int8:
		return nil, typeErr(t, "int8 has no corresponding DBus type, use uint8 instead")
	case reflect.Float32:
		return nil, typeErr(t, "float32 has no corresponding DBus type, use float64 instead")
	case reflect.Bool, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Float64:
		return newFixedEncoder(t), nil
	case reflect.String:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.String(v.String())
			return nil
		}, nil
	case reflect.Slice, reflect.Array:
		return newSliceEncoder(t)
	case reflect.Struct:
		return newStructEncoder(t)
	case reflect.Map:
		return newMapEncoder(t)
	case reflect.Interface:
		if t != anyType {
			return nil, typeErr(t, "only the empty interface can be encoded, as a variant")
		}
		return newAnyEncoder(), nil
	}
	return nil, typeErr(t, "no dbus mapping for type")
}

func newCondAddrMarshalEncoder(t reflect.Type) fragments.EncoderFunc {
	ptr := newMarshalEncoder()
	if t.Implements(marshalerType) {
		val := newMarshalEncoder()
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			if v.CanAddr() {
				return ptr(ctx, e, v.Addr())
			} else {
				return val(ctx, e, v)
			}
		}
	} else {
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			if !v.CanAddr() {
				return typeErr(t, "Marshaler is only implemented on pointer receiver, and cannot take the address of given value")
			}
			return ptr(ctx, e, v.Addr())
		}
	}
}

func newMarshalEncoder() fragments.EncoderFunc {
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		m := v.Interface().(Marshaler)
		return m.MarshalDBus(ctx, e)
	}
}

func newAnyEncoder() fragments.EncoderFunc {
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		if v.IsNil() {
			return typeErr(anyType, "cannot encode nil interface value")
		}
		return e.Value(ctx, Variant{v.Elem().Interface()})
	}
}

func newPtrEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	elemEnc, err := encoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		if v.IsNil() {
			return elemEnc(ctx, e, reflect.Zero(t.Elem()))
		}
		return elemEnc(ctx, e, v.Elem())
	}
	return fn, nil
}

// newFixedEncoder returns an encoder for a fixed width basic type.
// Values are widened to 64 bits, then truncated to the wire size.
func newFixedEncoder(t reflect.Type) fragments.EncoderFunc {
	var bits func(reflect.Value) uint64
	switch t.Kind() {
	case reflect.Bool:
		bits = func(v reflect.Value) uint64 {
			if v.Bool() {
				return 1
			}
			return 0
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		bits = func(v reflect.Value) uint64 { return uint64(v.Int()) }
	case reflect.Float64:
		bits = func(v reflect.Value) uint64 { return math.Float64bits(v.Float()) }
	default:
		bits = reflect.Value.Uint
	}

	size := t.Size()
	if t.Kind() == reflect.Bool {
		// DBus booleans are 32 bits wide.
		size = 4
	}
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		switch u := bits(v); size {
		case 1:
			e.Uint8(uint8(u))
		case 2:
			e.Uint16(uint16(u))
		case 4:
			e.Uint32(uint32(u))
		default:
			e.Uint64(u)
		}
		return nil
	}
}

func newSliceEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 && !t.Elem().Implements(marshalerType) {
		// Fast path for []byte
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Bytes(v.Bytes())
			return nil
		}, nil
	}

	elemEnc, err := encoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	elemSig, err := signatureFor(t.Elem(), nil)
	if err != nil {
		return nil, err
	}
	align := alignOf(elemSig.String())

	fn := func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return e.Array(align, func() error {
			for i := 0; i < v.Len(); i++ {
				if err := elemEnc(ctx, e, v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fn, nil
}

func newStructEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	layout, err := layoutOf(t)
	if err != nil {
		return nil, fmt.Errorf("getting struct layout for %s: %w", t, err)
	}

	frags := make([]fragments.EncoderFunc, 0, len(layout.Fields))
	for _, f := range layout.Fields {
		var (
			enc fragments.EncoderFunc
			err error
		)
		if f.Dict != nil {
			enc, err = newVardictEncoder(f)
		} else {
			enc, err = newFieldEncoder(f)
		}
		if err != nil {
			return nil, err
		}
		frags = append(frags, enc)
	}

	fn := func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return e.Struct(func() error {
			for _, frag := range frags {
				if err := frag(ctx, e, v); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fn, nil
}

// newFieldEncoder returns an encoder for one field, which is passed
// the whole struct.
func newFieldEncoder(f *wireField) (fragments.EncoderFunc, error) {
	enc, err := encoderFor(f.Type)
	if err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return enc(ctx, e, f.read(v))
	}
	return fn, nil
}

// newVardictEncoder returns an encoder for a vardict field, which is
// passed the whole struct. Keyed fields come first, in key order,
// followed by the map's own entries.
func newVardictEncoder(f *wireField) (fragments.EncoderFunc, error) {
	d := f.Dict
	kEnc, err := encoderFor(d.KeyType)
	if err != nil {
		return nil, err
	}
	vEnc, err := encoderFor(variantType)
	if err != nil {
		return nil, err
	}

	entry := func(ctx context.Context, e *fragments.Encoder, k, v reflect.Value) error {
		return e.Struct(func() error {
			if err := kEnc(ctx, e, k); err != nil {
				return err
			}
			return vEnc(ctx, e, v)
		})
	}

	fn := func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return e.Array(8, func() error {
			for _, kf := range d.Keyed {
				fv := kf.read(v)
				if fv.IsZero() && !kf.EncodeZero {
					continue
				}
				if err := entry(ctx, e, kf.KeyValue, reflect.ValueOf(Variant{fv.Interface()})); err != nil {
					return err
				}
			}

			rest := f.read(v)
			ks := rest.MapKeys()
			slices.SortFunc(ks, d.Compare)
			for _, k := range ks {
				if err := entry(ctx, e, k, rest.MapIndex(k)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fn, nil
}

func newMapEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	kt := t.Key()
	if !mapKeyKinds.Has(kt.Kind()) {
		return nil, typeErr(t, "invalid map key type %s", kt)
	}
	kEnc, err := encoderFor(kt)
	if err != nil {
		return nil, err
	}
	vt := t.Elem()
	vEnc, err := encoderFor(vt)
	if err != nil {
		return nil, err
	}
	kCmp := mapKeyCmp(kt)

	fn := func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		ks := v.MapKeys()
		slices.SortFunc(ks, kCmp)
		return e.Array(8, func() error {
			for _, mk := range ks {
				mv := v.MapIndex(mk)
				err := e.Struct(func() error {
					if err := kEnc(ctx, e, mk); err != nil {
						return err
					}
					if err := vEnc(ctx, e, mv); err != nil {
						return err
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fn, nil
}
