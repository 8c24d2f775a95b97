package dbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/corebus/dbus/fragments"
)

// ErrSignatureMismatch is returned when a message body does not have
// the signature expected by the caller.
var ErrSignatureMismatch = errors.New("dbus: body signature mismatch")

// Message is a DBus message.
//
// The body is kept in its encoded form. Use [Message.SetBody] to
// encode values into it, and [Message.Decode] or [Message.Args] to
// read them back.
type Message struct {
	// Order is the byte order of the message. The body, once set, is
	// encoded in this order.
	Order fragments.ByteOrder
	Type  MessageType
	Flags Flags
	// Serial identifies the message among those sent by its sender.
	// It is assigned by [Conn] when the message is sent.
	Serial uint32

	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	// Signature is the signature of Body.
	Signature Signature

	// Unknown holds header fields with codes this package does not
	// know about.
	Unknown map[uint8]Variant

	Body []byte
	// Files are the file descriptors attached to the message. File
	// values in the body are indices into Files.
	Files []*os.File
}

// NewMethodCall returns a method call message for the given method.
func NewMethodCall(dest string, path ObjectPath, iface, method string) *Message {
	return &Message{
		Order:       fragments.NativeEndian,
		Type:        TypeMethodCall,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      method,
	}
}

// NewSignal returns a signal message.
func NewSignal(path ObjectPath, iface, member string) *Message {
	return &Message{
		Order:     fragments.NativeEndian,
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
		Flags:     FlagNoReplyExpected,
	}
}

// NewMethodReturn returns a successful reply to call.
func NewMethodReturn(call *Message) *Message {
	return &Message{
		Order:       fragments.NativeEndian,
		Type:        TypeMethodReturn,
		Flags:       FlagNoReplyExpected,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
}

// NewError returns an error reply to call.
func NewError(call *Message, err *CallError) *Message {
	ret := &Message{
		Order:       fragments.NativeEndian,
		Type:        TypeErrorReply,
		Flags:       FlagNoReplyExpected,
		ErrorName:   err.Name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if err.Detail != "" {
		// Can't fail, a single string always encodes.
		ret.SetBody(err.Detail)
	}
	return ret
}

// WantReply reports whether the sender of m expects a reply.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// CanInteract reports whether the sender of m is willing to wait for
// interactive authorization.
func (m *Message) CanInteract() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagAllowInteractiveAuthorization != 0
}

// Validate reports whether m has the header fields its type
// requires.
func (m *Message) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s message missing required field %s", fragments.ErrMalformed, m.Type, field)
	}
	if m.Path != "" && !m.Path.Valid() {
		return fmt.Errorf("%w: invalid object path %q", fragments.ErrMalformed, m.Path)
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" {
			return missing("path")
		}
		if m.Member == "" {
			return missing("member")
		}
	case TypeSignal:
		if m.Path == "" {
			return missing("path")
		}
		if m.Interface == "" {
			return missing("interface")
		}
		if m.Member == "" {
			return missing("member")
		}
	case TypeErrorReply:
		if m.ErrorName == "" {
			return missing("error name")
		}
		if m.ReplySerial == 0 {
			return missing("reply serial")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return missing("reply serial")
		}
	default:
		return fmt.Errorf("%w: unknown message type %d", fragments.ErrMalformed, byte(m.Type))
	}
	if m.Interface != "" {
		if err := ValidateInterfaceName(m.Interface); err != nil {
			return fmt.Errorf("%w: %w", fragments.ErrMalformed, err)
		}
	}
	if m.Member != "" {
		if err := ValidateMemberName(m.Member); err != nil {
			return fmt.Errorf("%w: %w", fragments.ErrMalformed, err)
		}
	}
	if m.ErrorName != "" {
		if err := ValidateInterfaceName(m.ErrorName); err != nil {
			return fmt.Errorf("%w: invalid error name: %w", fragments.ErrMalformed, err)
		}
	}
	return nil
}

func (m *Message) order() fragments.ByteOrder {
	if m.Order == nil {
		return fragments.NativeEndian
	}
	return m.Order
}

// SetBody encodes args as the message body, replacing any previous
// body, and updates the message's signature and files to match.
func (m *Message) SetBody(args ...any) error {
	sig, err := signatureOfArgs(args)
	if err != nil {
		return err
	}
	var files []*os.File
	ctx := withContextPutFiles(context.Background(), &files)
	m.Order = m.order()
	e := fragments.Encoder{
		Order:  m.Order,
		Mapper: encoderFor,
	}
	for _, arg := range args {
		if err := e.Value(ctx, arg); err != nil {
			return err
		}
	}
	m.Body = e.Out
	m.Signature = sig
	m.Files = files
	return nil
}

func (m *Message) bodyDecoder() *fragments.Decoder {
	return &fragments.Decoder{
		Order:  m.order(),
		Mapper: decoderFor,
		In:     m.Body,
	}
}

// Decode decodes the message body into the values pointed to by
// ptrs. The concatenated signatures of ptrs must equal the body
// signature. As a special case, a single pointer to a struct whose
// fields match the body signature is also accepted.
func (m *Message) Decode(ptrs ...any) error {
	ctx := withContextFiles(context.Background(), m.Files)
	want, err := ptrsSignature(ptrs)
	if err != nil {
		return err
	}

	d := m.bodyDecoder()
	switch {
	case want == m.Signature.String():
		for _, p := range ptrs {
			if err := unmarshalFrom(ctx, d, p); err != nil {
				return err
			}
		}
	case len(ptrs) == 1 && strings.HasPrefix(want, "(") && want[1:len(want)-1] == m.Signature.String():
		// The outer struct is not present on the wire. Its alignment
		// padding at offset 0 is empty, so decoding it as a struct
		// reads exactly the body's top-level values.
		if err := unmarshalFrom(ctx, d, ptrs[0]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: body has signature %q, cannot decode into %q", ErrSignatureMismatch, m.Signature, want)
	}
	if n := d.Remaining(); n != 0 {
		return fmt.Errorf("%w: %d trailing bytes after message body", fragments.ErrMalformed, n)
	}
	return nil
}

func ptrsSignature(ptrs []any) (string, error) {
	var ret strings.Builder
	for _, p := range ptrs {
		t := reflect.TypeOf(p)
		if t == nil || t.Kind() != reflect.Pointer {
			return "", typeErr(t, "can't decode message body into a non-pointer")
		}
		sig, err := signatureFor(t.Elem(), nil)
		if err != nil {
			return "", err
		}
		ret.WriteString(sig.String())
	}
	return ret.String(), nil
}

// Args decodes the message body according to its signature, and
// returns the decoded values.
func (m *Message) Args() ([]any, error) {
	ctx := withContextFiles(context.Background(), m.Files)
	d := m.bodyDecoder()
	var ret []any
	for _, t := range m.Signature.Types() {
		v := reflect.New(t)
		if err := unmarshalFrom(ctx, d, v.Interface()); err != nil {
			return nil, err
		}
		ret = append(ret, v.Elem().Interface())
	}
	if n := d.Remaining(); n != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after message body", fragments.ErrMalformed, n)
	}
	return ret, nil
}

// Encode returns the wire encoding of m. The files attached to m
// must be sent alongside the returned bytes.
func (m *Message) Encode() ([]byte, error) {
	if m.Serial == 0 {
		return nil, errors.New("cannot encode message with zero serial")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	e := fragments.Encoder{
		Order:  m.order(),
		Mapper: encoderFor,
		Out:    make([]byte, 0, 128+len(m.Body)),
	}
	if err := encodeHeader(context.Background(), &e, m); err != nil {
		return nil, err
	}
	e.Write(m.Body)
	if len(e.Out) > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum of %d", len(e.Out), maxMessageSize)
	}
	return e.Out, nil
}

// DecodeMessage decodes a complete wire message from data. files are
// the file descriptors received alongside data.
func DecodeMessage(data []byte, files []*os.File) (*Message, error) {
	if len(data) > maxMessageSize {
		return nil, fmt.Errorf("%w: message size %d exceeds maximum of %d", fragments.ErrMalformed, len(data), maxMessageSize)
	}
	m := &Message{Files: files}
	d := fragments.Decoder{
		Mapper: decoderFor,
		In:     data,
	}
	bodyLen, err := decodeHeader(context.Background(), &d, m)
	if err != nil {
		return nil, err
	}
	if m.Serial == 0 {
		return nil, fmt.Errorf("%w: message has zero serial", fragments.ErrMalformed)
	}
	if int(bodyLen) != d.Remaining() {
		if int(bodyLen) > d.Remaining() {
			return nil, fragments.ErrTruncated
		}
		return nil, fmt.Errorf("%w: %d trailing bytes after message body", fragments.ErrMalformed, d.Remaining()-int(bodyLen))
	}
	if bodyLen > 0 {
		m.Body, err = d.Read(int(bodyLen))
		if err != nil {
			return nil, err
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Signature.IsZero() && bodyLen > 0 {
		return nil, fmt.Errorf("%w: message has a body but no signature", fragments.ErrMalformed)
	}
	return m, nil
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", m.Type, m.Serial)
	if m.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", m.ReplySerial)
	}
	if m.Sender != "" {
		fmt.Fprintf(&b, " sender=%s", m.Sender)
	}
	if m.Destination != "" {
		fmt.Fprintf(&b, " dest=%s", m.Destination)
	}
	if m.Path != "" {
		fmt.Fprintf(&b, " path=%s", m.Path)
	}
	if m.Interface != "" {
		fmt.Fprintf(&b, " iface=%s", m.Interface)
	}
	if m.Member != "" {
		fmt.Fprintf(&b, " member=%s", m.Member)
	}
	if m.ErrorName != "" {
		fmt.Fprintf(&b, " error=%s", m.ErrorName)
	}
	if !m.Signature.IsZero() {
		fmt.Fprintf(&b, " sig=%q", m.Signature)
	}
	return b.String()
}
