package fragments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"unicode/utf8"
)

var (
	// ErrTruncated is returned when the input ends partway through
	// a value. It wraps [io.ErrUnexpectedEOF].
	ErrTruncated = fmt.Errorf("dbus data truncated: %w", io.ErrUnexpectedEOF)
	// ErrMalformed is returned when the input is complete, but does
	// not contain valid DBus data.
	ErrMalformed = errors.New("malformed dbus data")
)

// MaxArrayLength is the maximum length in bytes of a DBus array.
const MaxArrayLength = 64 << 20

// A DecoderFunc reads a value into val.
type DecoderFunc func(ctx context.Context, dec *Decoder, val reflect.Value) error

// A Decoder provides utilities to read a DBus wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// Mapper provides [DecoderFunc]s for types given to
	// [Decoder.Value]. If mapper is nil, the Decoder functions
	// normally except that [Decoder.Value] always returns an error.
	Mapper func(reflect.Type) (DecoderFunc, error)
	// In is the input to read. Alignment is computed relative to the
	// start of In, so In must begin at an 8-byte aligned position of
	// the enclosing message.
	In []byte

	// pos is the read cursor within In.
	pos int
	// end is the position reads must not cross. It is len(In) except
	// while decoding array elements.
	end int
}

func (d *Decoder) limit() int {
	if d.end == 0 || d.end > len(d.In) {
		return len(d.In)
	}
	return d.end
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int {
	return d.pos
}

// Remaining returns the number of unread bytes in the input.
func (d *Decoder) Remaining() int {
	return len(d.In) - d.pos
}

func truncated(want, have int) error {
	return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, want, have)
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed. Padding bytes must be zero.
func (d *Decoder) Pad(align int) error {
	extra := d.pos % align
	if extra == 0 {
		return nil
	}
	bs, err := d.Read(align - extra)
	if err != nil {
		return err
	}
	for _, b := range bs {
		if b != 0 {
			return fmt.Errorf("%w: non-zero padding byte at offset %d", ErrMalformed, d.pos-len(bs))
		}
	}
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read length %d", ErrMalformed, n)
	}
	lim := d.limit()
	if d.pos+n > lim {
		if lim < len(d.In) {
			return nil, fmt.Errorf("%w: value at offset %d overruns its array", ErrMalformed, d.pos)
		}
		return nil, truncated(n, lim-d.pos)
	}
	ret := d.In[d.pos : d.pos+n]
	d.pos += n
	return ret, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if ln > MaxArrayLength {
		return nil, fmt.Errorf("%w: array length %d exceeds maximum", ErrMalformed, ln)
	}
	bs, err := d.Read(int(ln))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), bs...), nil
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

// Signature reads a DBus signature string. The returned string is
// not validated as a type signature.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(ln int) (string, error) {
	bs, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", fmt.Errorf("%w: string missing nul terminator", ErrMalformed)
	}
	bs = bs[:ln]
	if !utf8.Valid(bs) {
		return "", fmt.Errorf("%w: string is not valid UTF-8", ErrMalformed)
	}
	return string(bs), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Value reads a value into v, using the [DecoderFunc] provided by
// [Decoder.Mapper]. v must be a non-nil pointer.
func (d *Decoder) Value(ctx context.Context, v any) error {
	if d.Mapper == nil {
		return errors.New("Mapper not provided to Decoder")
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return fmt.Errorf("outval of Decoder.Value must be a pointer, got %T", v)
	}
	if rv.IsNil() {
		return fmt.Errorf("outval of Decoder.Value must not be a nil pointer")
	}
	fn, err := d.Mapper(rv.Type().Elem())
	if err != nil {
		return err
	}
	return fn(ctx, d, rv.Elem())
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement must completely consume all array bytes
// from the input, and must not read beyond the end of the array data.
//
// elemAlign is the alignment of the array's element type, so that
// the decoder consumes array header padding appropriately even if the
// array contains no elements.
//
// Array returns the total number of array elements that were
// processed.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayLength {
		return 0, fmt.Errorf("%w: array length %d exceeds maximum", ErrMalformed, ln)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	end := d.pos + int(ln)
	if end > d.limit() {
		if d.limit() < len(d.In) {
			return 0, fmt.Errorf("%w: nested array overruns its parent", ErrMalformed)
		}
		return 0, truncated(int(ln), d.limit()-d.pos)
	}

	outerEnd := d.end
	d.end = end
	defer func() { d.end = outerEnd }()

	idx := 0
	for d.pos < end {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	ord, err := OrderForFlag(v)
	if err != nil {
		return err
	}
	d.Order = ord
	return nil
}
