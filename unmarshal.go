package dbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/corebus/dbus/fragments"
)

// Unmarshal decodes a DBus value from data into the value pointed to
// by v, following the type mapping described in the package
// documentation. It is up to the caller to match v to the layout of
// data.
//
// Arrays must receive exactly as many elements as they hold. Slices
// and maps are reset before decoding, and later duplicate map keys
// win. Nil pointers are allocated as needed. Vardict keys bound to a
// field decode into that field without their Variant envelope.
//
// Truncated input yields an error matching [fragments.ErrTruncated],
// and invalid input an error matching [fragments.ErrMalformed]. Types
// with no DBus mapping, and [Unmarshaler] implementations on value
// receivers, yield a [TypeError].
func Unmarshal(data []byte, ord fragments.ByteOrder, v any) error {
	st := fragments.Decoder{
		Order:  ord,
		Mapper: decoderFor,
		In:     data,
	}
	if err := unmarshalFrom(context.Background(), &st, v); err != nil {
		return err
	}
	if n := st.Remaining(); n != 0 {
		return fmt.Errorf("%w: %d trailing bytes after value", fragments.ErrMalformed, n)
	}
	return nil
}

// unmarshalFrom decodes one value from st into the value pointed to
// by v.
func unmarshalFrom(ctx context.Context, st *fragments.Decoder, v any) error {
	if v == nil {
		return typeErr(nil, "can't unmarshal into nil interface")
	}
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Pointer {
		return typeErr(val.Type(), "can't unmarshal into a non-pointer")
	}
	if val.IsNil() {
		return typeErr(val.Type(), "can't unmarshal into a nil pointer")
	}
	dec, err := decoderFor(val.Type().Elem())
	if err != nil {
		return err
	}
	return dec(ctx, st, val.Elem())
}

// Unmarshaler is the interface implemented by types that can
// unmarshal themselves.
//
// SignatureDBus is invoked on zero values of the Unmarshaler, and
// must return a constant value.
//
// UnmarshalDBus must have a pointer receiver. If Unmarshal encounters
// an Unmarshaler whose UnmarshalDBus method takes a value receiver,
// it will return a [TypeError].
//
// UnmarshalDBus is responsible for consuming padding appropriate to
// the values being encoded, and for consuming input in a way that
// agrees with the value of SignatureDBus.
type Unmarshaler interface {
	SignatureDBus() Signature
	UnmarshalDBus(ctx context.Context, st *fragments.Decoder) error
}

var unmarshalerType = reflect.TypeFor[Unmarshaler]()

// unmarshalerOnly is the unmarshal method of Unmarshaler by itself.
//
// It is used to enforce that the unmarshal function is implemented
// with a pointer receiver, without requiring that SignatureDBus also
// has a pointer receiver.
type unmarshalerOnly interface {
	UnmarshalDBus(ctx context.Context, st *fragments.Decoder) error
}

var unmarshalerOnlyType = reflect.TypeFor[unmarshalerOnly]()

var decoders cache[reflect.Type, fragments.DecoderFunc]

// decoderFor returns the decoder func for the given type, if the type
// is representable in the DBus wire format.
func decoderFor(t reflect.Type) (ret fragments.DecoderFunc, err error) {
	if ret, err := decoders.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}
	// Note, defer captures the type value before we mess with it
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			decoders.SetErr(t, err)
		} else {
			decoders.Set(t, ret)
		}
	}(t)

	if _, err := signatureFor(t, nil); err != nil {
		return nil, err
	}

	// We only want Unmarshalers with pointer receivers, since a value
	// receiver would silently discard the results of the
	// UnmarshalDBus call and lead to confusing bugs. There are two
	// cases we need to look for.
	//
	// The first is a pointer that implements Unmarshaler, and whose
	// pointed-to type does not implement Unmarshaler. This means the
	// type implements Unmarshaler with pointer receivers, and we can
	// call it.
	//
	// The second is a value that does not implement Unmarshaler, but
	// whose pointer does. In that case, we can take the value's
	// address and use the pointer unmarshaler. Unmarshal only hands
	// us values that are addressable, so we don't need an
	// addressability check to do this.
	isPtr := t.Kind() == reflect.Pointer
	if t.Implements(unmarshalerType) {
		if !isPtr || t.Elem().Implements(unmarshalerOnlyType) {
			return nil, typeErr(t, "refusing to use dbus.Unmarshaler implementation with value receiver, Unmarshalers must use pointer receivers.")
		} else {
			// First case, can unmarshal into pointer.
			return newMarshalDecoder(t), nil
		}
	} else if !isPtr && reflect.PointerTo(t).Implements(unmarshalerType) {
		// Second case, unmarshal into value.
		return newAddrMarshalDecoder(t), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		// Note, pointers to Unmarshaler are handled above.
		return newPtrDecoder(t)
	case reflect.Int, reflect.Uint:
		return nil, typeErr(t, "int and uint aren't portable, use fixed width integers")
	case reflect.Int8:
		return nil, typeErr(t, "int8 has no corresponding DBus type, use uint8 instead")
	case reflect.Float32:
		return nil, typeErr(t, "float32 has no corresponding DBus type, use float64 instead")
	case reflect.Bool, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Float64:
		return newFixedDecoder(t), nil
	case reflect.String:
		return func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
			s, err := st.String()
			if err != nil {
				return err
			}
			v.SetString(s)
			return nil
		}, nil
	case reflect.Slice:
		return newSliceDecoder(t)
	case reflect.Array:
		return newArrayDecoder(t)
	case reflect.Struct:
		return newStructDecoder(t)
	case reflect.Map:
		return newMapDecoder(t)
	case reflect.Interface:
		if t != anyType {
			return nil, typeErr(t, "only the empty interface can be decoded, from a variant")
		}
		return newAnyDecoder(), nil
	}

	return nil, typeErr(t, "no dbus mapping for type")
}

func newAddrMarshalDecoder(t reflect.Type) fragments.DecoderFunc {
	ptr := newMarshalDecoder(reflect.PointerTo(t))
	return func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
		return ptr(ctx, st, v.Addr())
	}
}

func newMarshalDecoder(t reflect.Type) fragments.DecoderFunc {
	return func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			elem := reflect.New(t.Elem())
			v.Set(elem)
		}
		m := v.Interface().(Unmarshaler)
		return m.UnmarshalDBus(ctx, st)
	}
}

func newPtrDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	elem := t.Elem()
	elemDec, err := decoderFor(elem)
	if err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			if !v.CanSet() {
				panic("got an unsettable nil pointer, should be impossible!")
			}
			elem := reflect.New(elem)
			if err := elemDec(ctx, st, elem.Elem()); err != nil {
				return err
			}
			v.Set(elem)
		} else if err := elemDec(ctx, st, v.Elem()); err != nil {
			return err
		}
		return nil
	}
	return fn, nil
}

func newAnyDecoder() fragments.DecoderFunc {
	return func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
		var inner Variant
		if err := st.Value(ctx, &inner); err != nil {
			return err
		}
		v.Set(reflect.ValueOf(inner.Value))
		return nil
	}
}

// newFixedDecoder returns a decoder for a fixed width basic type.
func newFixedDecoder(t reflect.Type) fragments.DecoderFunc {
	size := t.Size()
	if t.Kind() == reflect.Bool {
		size = 4
	}
	read := func(st *fragments.Decoder) (uint64, error) {
		switch size {
		case 1:
			u, err := st.Uint8()
			return uint64(u), err
		case 2:
			u, err := st.Uint16()
			return uint64(u), err
		case 4:
			u, err := st.Uint32()
			return uint64(u), err
		default:
			return st.Uint64()
		}
	}

	var set func(v reflect.Value, u uint64) error
	switch t.Kind() {
	case reflect.Bool:
		set = func(v reflect.Value, u uint64) error {
			if u > 1 {
				return fmt.Errorf("%w: invalid boolean value %d", fragments.ErrMalformed, u)
			}
			v.SetBool(u == 1)
			return nil
		}
	case reflect.Int16:
		set = func(v reflect.Value, u uint64) error { v.SetInt(int64(int16(u))); return nil }
	case reflect.Int32:
		set = func(v reflect.Value, u uint64) error { v.SetInt(int64(int32(u))); return nil }
	case reflect.Int64:
		set = func(v reflect.Value, u uint64) error { v.SetInt(int64(u)); return nil }
	case reflect.Float64:
		set = func(v reflect.Value, u uint64) error { v.SetFloat(math.Float64frombits(u)); return nil }
	default:
		set = func(v reflect.Value, u uint64) error { v.SetUint(u); return nil }
	}

	return func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
		u, err := read(st)
		if err != nil {
			return err
		}
		return set(v, u)
	}
}

func newSliceDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	if t.Elem().Kind() == reflect.Uint8 && !reflect.PointerTo(t.Elem()).Implements(unmarshalerType) {
		fn := func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
			bs, err := st.Bytes()
			if err != nil {
				return err
			}
			v.SetBytes(bs)
			return nil
		}
		return fn, nil
	}

	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	elemSig, err := signatureFor(t.Elem(), nil)
	if err != nil {
		return nil, err
	}
	align := alignOf(elemSig.String())

	fn := func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.MakeSlice(t, 0, 0))
		} else {
			v.Set(v.Slice(0, 0))
		}

		_, err := st.Array(align, func(i int) error {
			v.Grow(1)
			v.Set(v.Slice(0, i+1))
			if err := elemDec(ctx, st, v.Index(i)); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}

		return nil
	}
	return fn, nil
}

func newArrayDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	elemSig, err := signatureFor(t.Elem(), nil)
	if err != nil {
		return nil, err
	}
	align := alignOf(elemSig.String())

	fn := func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
		n, err := st.Array(align, func(i int) error {
			if i >= v.Len() {
				return fmt.Errorf("%w: array has more than %d elements expected by %s", fragments.ErrMalformed, v.Len(), t)
			}
			return elemDec(ctx, st, v.Index(i))
		})
		if err != nil {
			return err
		}
		if n != v.Len() {
			return fmt.Errorf("%w: got %d array elements, %s needs %d", fragments.ErrMalformed, n, t, v.Len())
		}
		return nil
	}
	return fn, nil
}

func newStructDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	layout, err := layoutOf(t)
	if err != nil {
		return nil, typeErr(t, "getting struct layout: %w", err)
	}

	frags := make([]fragments.DecoderFunc, 0, len(layout.Fields))
	for _, f := range layout.Fields {
		var (
			dec fragments.DecoderFunc
			err error
		)
		if f.Dict != nil {
			dec, err = newVardictDecoder(f)
		} else {
			dec, err = newFieldDecoder(f)
		}
		if err != nil {
			return nil, err
		}
		frags = append(frags, dec)
	}

	fn := func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		return d.Struct(func() error {
			for _, frag := range frags {
				if err := frag(ctx, d, v); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fn, nil
}

// newFieldDecoder returns a decoder for one field, which is passed
// the whole struct.
func newFieldDecoder(f *wireField) (fragments.DecoderFunc, error) {
	dec, err := decoderFor(f.Type)
	if err != nil {
		return nil, err
	}
	fn := func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		return dec(ctx, d, f.write(v))
	}
	return fn, nil
}

// newVardictDecoder returns a decoder for a vardict field, which is
// passed the whole struct. Entries whose key is bound to a field are
// stored there, the rest go into the map.
func newVardictDecoder(f *wireField) (fragments.DecoderFunc, error) {
	dict := f.Dict
	kDec, err := decoderFor(dict.KeyType)
	if err != nil {
		return nil, err
	}
	vDec, err := decoderFor(variantType)
	if err != nil {
		return nil, err
	}

	fn := func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		rest := f.write(v)
		cleared := false

		key := reflect.New(dict.KeyType).Elem()
		val := reflect.New(variantType).Elem()

		_, err := d.Array(8, func(int) error {
			key.SetZero()
			val.SetZero()
			err := d.Struct(func() error {
				if err := kDec(ctx, d, key); err != nil {
					return err
				}
				return vDec(ctx, d, val)
			})
			if err != nil {
				return err
			}

			if kf := dict.lookup(key); kf != nil {
				fv := kf.write(v)
				inner := reflect.ValueOf(val.Interface().(Variant).Value)
				if !inner.IsValid() || inner.Kind() != fv.Kind() || !inner.Type().ConvertibleTo(fv.Type()) {
					return fmt.Errorf("%w: invalid value %v received for vardict field %s (%s)", fragments.ErrMalformed, inner, kf.Name, fv.Type())
				}
				fv.Set(inner.Convert(fv.Type()))
				return nil
			}

			if !cleared {
				cleared = true
				if rest.IsNil() {
					rest.Set(reflect.MakeMap(rest.Type()))
				} else {
					rest.Clear()
				}
			}
			rest.SetMapIndex(key, val)
			return nil
		})
		return err
	}
	return fn, nil
}

func newMapDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	kt := t.Key()
	if !mapKeyKinds.Has(kt.Kind()) {
		return nil, typeErr(t, "invalid map key type %s", kt)
	}
	kDec, err := decoderFor(kt)
	if err != nil {
		return nil, err
	}
	vt := t.Elem()
	vDec, err := decoderFor(vt)
	if err != nil {
		return nil, err
	}

	fn := func(ctx context.Context, st *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.MakeMap(t))
		} else {
			v.Clear()
		}

		key := reflect.New(kt)
		val := reflect.New(vt)

		_, err := st.Array(8, func(i int) error {
			key.Elem().SetZero()
			val.Elem().SetZero()
			err := st.Struct(func() error {
				if err := kDec(ctx, st, key.Elem()); err != nil {
					return err
				}
				if err := vDec(ctx, st, val.Elem()); err != nil {
					return err
				}
				return nil
			})
			if err != nil {
				return err
			}
			v.SetMapIndex(key.Elem(), val.Elem())
			return nil
		})
		if err != nil {
			return err
		}
		return nil
	}
	return fn, nil
}
