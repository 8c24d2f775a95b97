package dbus

import (
	"context"
	"fmt"

	"github.com/corebus/dbus/fragments"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeErrorReply
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeErrorReply:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Flags are the message flags carried in a DBus message header.
type Flags byte

const (
	// FlagNoReplyExpected indicates that the sender of a method call
	// does not want a reply.
	FlagNoReplyExpected Flags = 1 << iota
	// FlagNoAutoStart asks the bus not to launch an owner for the
	// destination name, if it is not running.
	FlagNoAutoStart
	// FlagAllowInteractiveAuthorization indicates that the caller is
	// prepared to wait for an interactive authorization prompt.
	FlagAllowInteractiveAuthorization
)

const (
	protocolVersion = 1
	// maxMessageSize is the largest message DBus allows, header and
	// body included.
	maxMessageSize = 128 << 20
	// fixedHeaderLen is the length of the fixed part of the message
	// header, up to and including the header fields array length.
	fixedHeaderLen = 16
)

// Header field codes.
const (
	fieldCodePath        = 1
	fieldCodeInterface   = 2
	fieldCodeMember      = 3
	fieldCodeErrorName   = 4
	fieldCodeReplySerial = 5
	fieldCodeDestination = 6
	fieldCodeSender      = 7
	fieldCodeSignature   = 8
	fieldCodeUnixFDs     = 9
)

// encodeHeader appends the wire header for m to e, including the
// trailing padding that aligns the body to 8 bytes.
func encodeHeader(ctx context.Context, e *fragments.Encoder, m *Message) error {
	e.ByteOrderFlag()
	e.Uint8(uint8(m.Type))
	e.Uint8(uint8(m.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(len(m.Body)))
	e.Uint32(m.Serial)

	str := func(code uint8, sig, val string) error {
		return e.Struct(func() error {
			e.Uint8(code)
			e.Signature(sig)
			if sig == "g" {
				e.Signature(val)
			} else {
				e.String(val)
			}
			return nil
		})
	}
	u32 := func(code uint8, val uint32) error {
		return e.Struct(func() error {
			e.Uint8(code)
			e.Signature("u")
			e.Uint32(val)
			return nil
		})
	}

	err := e.Array(8, func() error {
		if m.Path != "" {
			if !m.Path.Valid() {
				return fmt.Errorf("invalid object path %q", m.Path)
			}
			str(fieldCodePath, "o", string(m.Path))
		}
		if m.Interface != "" {
			str(fieldCodeInterface, "s", m.Interface)
		}
		if m.Member != "" {
			str(fieldCodeMember, "s", m.Member)
		}
		if m.ErrorName != "" {
			str(fieldCodeErrorName, "s", m.ErrorName)
		}
		if m.ReplySerial != 0 {
			u32(fieldCodeReplySerial, m.ReplySerial)
		}
		if m.Destination != "" {
			str(fieldCodeDestination, "s", m.Destination)
		}
		if m.Sender != "" {
			str(fieldCodeSender, "s", m.Sender)
		}
		if !m.Signature.IsZero() {
			str(fieldCodeSignature, "g", m.Signature.String())
		}
		if n := len(m.Files); n > 0 {
			u32(fieldCodeUnixFDs, uint32(n))
		}
		for code, v := range m.Unknown {
			err := e.Struct(func() error {
				e.Uint8(code)
				return e.Value(ctx, v)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.Pad(8)
	return nil
}

// decodeHeader reads a wire header from d into m, leaving d
// positioned at the start of the body. It returns the body length
// declared by the header.
func decodeHeader(ctx context.Context, d *fragments.Decoder, m *Message) (bodyLen uint32, err error) {
	if err := d.ByteOrderFlag(); err != nil {
		return 0, err
	}
	m.Order = d.Order
	typ, err := d.Uint8()
	if err != nil {
		return 0, err
	}
	m.Type = MessageType(typ)
	flags, err := d.Uint8()
	if err != nil {
		return 0, err
	}
	m.Flags = Flags(flags)
	version, err := d.Uint8()
	if err != nil {
		return 0, err
	}
	if version != protocolVersion {
		return 0, fmt.Errorf("%w %d", ErrProtocolVersion, version)
	}
	if bodyLen, err = d.Uint32(); err != nil {
		return 0, err
	}
	if m.Serial, err = d.Uint32(); err != nil {
		return 0, err
	}

	var numFDs uint32
	_, err = d.Array(8, func(int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			var v Variant
			if err := d.Value(ctx, &v); err != nil {
				return err
			}
			return setHeaderField(m, code, v, &numFDs)
		})
	})
	if err != nil {
		return 0, err
	}
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	if int(numFDs) != len(m.Files) {
		return 0, fmt.Errorf("%w: header declares %d file descriptors, got %d", fragments.ErrMalformed, numFDs, len(m.Files))
	}
	return bodyLen, nil
}

func setHeaderField(m *Message, code uint8, v Variant, numFDs *uint32) error {
	wrongType := func(want string) error {
		return fmt.Errorf("%w: header field %d has type %T, want %s", fragments.ErrMalformed, code, v.Value, want)
	}
	var ok bool
	switch code {
	case fieldCodePath:
		if m.Path, ok = v.Value.(ObjectPath); !ok {
			return wrongType("object path")
		}
	case fieldCodeInterface:
		if m.Interface, ok = v.Value.(string); !ok {
			return wrongType("string")
		}
	case fieldCodeMember:
		if m.Member, ok = v.Value.(string); !ok {
			return wrongType("string")
		}
	case fieldCodeErrorName:
		if m.ErrorName, ok = v.Value.(string); !ok {
			return wrongType("string")
		}
	case fieldCodeReplySerial:
		if m.ReplySerial, ok = v.Value.(uint32); !ok {
			return wrongType("uint32")
		}
	case fieldCodeDestination:
		if m.Destination, ok = v.Value.(string); !ok {
			return wrongType("string")
		}
	case fieldCodeSender:
		if m.Sender, ok = v.Value.(string); !ok {
			return wrongType("string")
		}
	case fieldCodeSignature:
		if m.Signature, ok = v.Value.(Signature); !ok {
			return wrongType("signature")
		}
	case fieldCodeUnixFDs:
		if *numFDs, ok = v.Value.(uint32); !ok {
			return wrongType("uint32")
		}
	default:
		// Unknown fields must be accepted and ignored, but we keep
		// them around for diagnostics.
		if m.Unknown == nil {
			m.Unknown = map[uint8]Variant{}
		}
		m.Unknown[code] = v
	}
	return nil
}
