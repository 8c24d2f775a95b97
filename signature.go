package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/corebus/dbus/fragments"
)

const (
	// maxSignatureLen is the maximum length of a DBus type signature.
	maxSignatureLen = 255
	// maxStructDepth is the maximum nesting of structs within a
	// single type signature.
	maxStructDepth = 32
	// maxArrayDepth is the maximum nesting of arrays within a single
	// type signature.
	maxArrayDepth = 32
)

var (
	// ErrUnknownTypeCode is reported by [ParseSignature] when a
	// signature contains a character that is not a DBus type code.
	ErrUnknownTypeCode = errors.New("unknown type code")
	// ErrMalformedSignature is reported by [ParseSignature] when a
	// signature's type codes are assembled incorrectly.
	ErrMalformedSignature = errors.New("malformed signature")
)

// SignatureError is the error returned when a DBus type signature
// cannot be parsed.
type SignatureError struct {
	Sig    string
	Reason error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid type signature %q: %s", e.Sig, e.Reason)
}

func (e *SignatureError) Unwrap() error {
	return e.Reason
}

// A Signature describes the type of a DBus value, or of a sequence
// of DBus values such as a message body.
//
// Signatures are comparable, and the zero Signature describes a void
// value.
type Signature struct {
	str string
}

var signatureSignature = Signature{"g"}

// String returns the string encoding of the Signature, as defined
// by the DBus wire protocol.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// IsSingle reports whether the signature describes exactly one
// complete type.
func (s Signature) IsSingle() bool {
	return len(s.parts()) == 1
}

// parts returns the reflect.Types of the complete types in s.
func (s Signature) parts() []reflect.Type {
	if s.str == "" {
		return nil
	}
	ret, err := sigParts.Get(s.str)
	if err == nil {
		return ret
	}
	// Signatures only get constructed from strings that have
	// already been validated, this should be unreachable.
	if _, err := ParseSignature(s.str); err != nil {
		panic(err)
	}
	ret, _ = sigParts.Get(s.str)
	return ret
}

// Type returns the reflect.Type the Signature represents.
//
// If the signature describes several complete types, Type returns an
// anonymous struct with fields Field0..FieldN. If [Signature.IsZero]
// is true, Type returns nil.
func (s Signature) Type() reflect.Type {
	parts := s.parts()
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	default:
		fs := make([]reflect.StructField, len(parts))
		for i, f := range parts {
			fs[i] = reflect.StructField{
				Name: fmt.Sprintf("Field%d", i),
				Type: f,
			}
		}
		return reflect.StructOf(fs)
	}
}

// Types returns the reflect.Type of each complete type in the
// signature.
func (s Signature) Types() []reflect.Type {
	return slices.Clone(s.parts())
}

func (s Signature) SignatureDBus() Signature { return signatureSignature }

func (s Signature) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.Signature(s.str)
	return nil
}

func (s *Signature) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	str, err := d.Signature()
	if err != nil {
		return err
	}
	sig, err := ParseSignature(str)
	if err != nil {
		return fmt.Errorf("%w: %w", fragments.ErrMalformed, err)
	}
	*s = sig
	return nil
}

var (
	typeToSignature cache[reflect.Type, Signature]
	sigParts        cache[string, []reflect.Type]
)

func mkSignature(str string) Signature {
	return Signature{str}
}

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if _, err := sigParts.Get(sig); !errors.Is(err, errNotFound) {
		if err != nil {
			return Signature{}, err
		}
		return Signature{sig}, nil
	}

	parts, err := parseSignature(sig)
	if err != nil {
		err = &SignatureError{sig, err}
		sigParts.SetErr(sig, err)
		return Signature{}, err
	}
	sigParts.Set(sig, parts)
	return Signature{sig}, nil
}

func parseSignature(sig string) ([]reflect.Type, error) {
	if len(sig) > maxSignatureLen {
		return nil, fmt.Errorf("%w: signature longer than %d bytes", ErrMalformedSignature, maxSignatureLen)
	}
	p := sigParser{}
	var (
		rest  = sig
		parts []reflect.Type
		part  reflect.Type
		err   error
	)
	for rest != "" {
		part, rest, err = p.parseOne(rest, false)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// MustParseSignature is like [ParseSignature], but panics if sig is
// invalid.
func MustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// sigParser tracks container nesting while parsing a signature.
type sigParser struct {
	structDepth int
	arrayDepth  int
}

// parseOne consumes the first complete type from the front of sig,
// and returns the corresponding reflect.Type as well as the remainder
// of the type string.
func (p *sigParser) parseOne(sig string, inArray bool) (t reflect.Type, rest string, err error) {
	if sig == "" {
		return nil, "", fmt.Errorf("%w: unexpected end of signature", ErrMalformedSignature)
	}
	if ret, ok := strToType[sig[0]]; ok {
		return ret, sig[1:], nil
	}

	switch sig[0] {
	case 'a':
		p.arrayDepth++
		defer func() { p.arrayDepth-- }()
		if p.arrayDepth > maxArrayDepth {
			return nil, "", fmt.Errorf("%w: arrays nested deeper than %d", ErrMalformedSignature, maxArrayDepth)
		}
		if len(sig) == 1 {
			return nil, "", fmt.Errorf("%w: array missing element type", ErrMalformedSignature)
		}
		isDict := sig[1] == '{'
		elem, rest, err := p.parseOne(sig[1:], true)
		if err != nil {
			return nil, "", err
		}
		if isDict {
			return elem, rest, nil // sub-parser already produced a map
		}
		return reflect.SliceOf(elem), rest, nil
	case '(':
		p.structDepth++
		defer func() { p.structDepth-- }()
		if p.structDepth > maxStructDepth {
			return nil, "", fmt.Errorf("%w: structs nested deeper than %d", ErrMalformedSignature, maxStructDepth)
		}
		var (
			fields []reflect.Type
			field  reflect.Type
			rest   = sig[1:]
			err    error
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = p.parseOne(rest, false)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", fmt.Errorf("%w: missing closing ) in struct definition", ErrMalformedSignature)
		}
		if len(fields) == 0 {
			return nil, "", fmt.Errorf("%w: empty struct", ErrMalformedSignature)
		}
		fs := make([]reflect.StructField, len(fields))
		for i, f := range fields {
			fs[i] = reflect.StructField{
				Name: fmt.Sprintf("Field%d", i),
				Type: f,
			}
		}
		return reflect.StructOf(fs), rest[1:], nil
	case '{':
		if !inArray {
			return nil, "", fmt.Errorf("%w: dict entry type found outside array", ErrMalformedSignature)
		}
		if len(sig) < 2 {
			return nil, "", fmt.Errorf("%w: unterminated dict entry", ErrMalformedSignature)
		}
		if !basicTypeCodes.Has(sig[1]) {
			return nil, "", fmt.Errorf("%w: invalid dict entry key type %q, must be a dbus basic type", ErrMalformedSignature, sig[1])
		}
		key, rest, err := p.parseOne(sig[1:], false)
		if err != nil {
			return nil, "", err
		}
		if rest != "" && rest[0] == '}' {
			return nil, "", fmt.Errorf("%w: dict entry missing value type", ErrMalformedSignature)
		}
		val, rest, err := p.parseOne(rest, false)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", fmt.Errorf("%w: missing closing } in dict entry definition", ErrMalformedSignature)
		}
		return reflect.MapOf(key, val), rest[1:], nil
	case ')', '}':
		return nil, "", fmt.Errorf("%w: unbalanced %q", ErrMalformedSignature, sig[0])
	default:
		return nil, "", fmt.Errorf("%w %q", ErrUnknownTypeCode, sig[0])
	}
}

// A signer provides its own DBus signature.
type signer interface {
	SignatureDBus() Signature
}

var signerType = reflect.TypeFor[signer]()

// SignatureFor returns the Signature for the given type.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of the given value.
func SignatureOf(v any) (Signature, error) {
	return signatureFor(reflect.TypeOf(v), nil)
}

// signatureOfArgs returns the concatenated signature of a sequence
// of values, as used in a message body.
func signatureOfArgs(args []any) (Signature, error) {
	var str strings.Builder
	for _, arg := range args {
		sig, err := SignatureOf(arg)
		if err != nil {
			return Signature{}, err
		}
		str.WriteString(sig.str)
	}
	return ParseSignature(str.String())
}

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if t == nil {
		return Signature{}, typeErr(t, "nil interface")
	}
	if ret, err := typeToSignature.Get(t); !errors.Is(err, errNotFound) {
		return ret, err
	}

	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	// Note, defer captures the type value before we mess with it
	// below.
	defer func(t reflect.Type) {
		if err != nil {
			typeToSignature.SetErr(t, err)
		} else {
			typeToSignature.Set(t, sig)
		}
	}(t)

	t = derefType(t)

	if pt := reflect.PointerTo(t); pt.Implements(signerType) {
		if t.Implements(signerType) {
			return reflect.Zero(t).Interface().(signer).SignatureDBus(), nil
		}
		return reflect.Zero(pt).Interface().(signer).SignatureDBus(), nil
	}

	if t == anyType {
		return variantSignature, nil
	}

	if ret := kindToType[t.Kind()]; ret != nil {
		return mkSignature(string(kindToStr[t.Kind()])), nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return checkSig(t, "a"+es.str)
	case reflect.Map:
		k := t.Key()
		if !mapKeyKinds.Has(k.Kind()) {
			return Signature{}, typeErr(t, "map key %s is not a dbus basic type", k)
		}
		ks, err := signatureFor(k, stack)
		if err != nil {
			return Signature{}, err
		}
		if !basicTypeCodes.Has(ks.str[0]) || len(ks.str) != 1 {
			return Signature{}, typeErr(t, "map key %s is not a dbus basic type", k)
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		return checkSig(t, "a{"+ks.str+vs.str+"}")
	case reflect.Struct:
		layout, err := layoutOf(t)
		if err != nil {
			return Signature{}, typeErr(t, "getting struct layout: %w", err)
		}
		if len(layout.Fields) == 0 {
			return Signature{}, typeErr(t, "struct has no exported fields, dbus structs cannot be empty")
		}
		var s []string
		for _, f := range layout.Fields {
			// Descend through all fields, to look for cyclic
			// references.
			fieldSig, err := signatureFor(f.Type, stack)
			if err != nil {
				return Signature{}, err
			}
			s = append(s, fieldSig.str)
		}
		return checkSig(t, "("+strings.Join(s, "")+")")
	}

	return Signature{}, typeErr(t, "no mapping available")
}

var anyType = reflect.TypeFor[any]()

// checkSig validates a signature derived from a Go type, so that
// types which exceed DBus's signature limits are rejected up front.
func checkSig(t reflect.Type, sig string) (Signature, error) {
	ret, err := ParseSignature(sig)
	if err != nil {
		return Signature{}, typeErr(t, "%w", err)
	}
	return ret, nil
}
