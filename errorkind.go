package dbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/corebus/dbus/fragments"
)

// ErrorKind classifies the error names that peers report in DBus
// error messages.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindFailed
	KindNoReply
	KindAccessDenied
	KindInvalidArgs
	KindUnknownObject
	KindUnknownInterface
	KindUnknownMethod
	KindUnknownProperty
	KindPropertyReadOnly
	KindNotSupported
	KindMatchRuleInvalid
	KindServiceUnknown
	KindNameHasNoOwner
)

// Standard DBus error names.
const (
	ErrNameFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrNameNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrNameAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	ErrNameInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrNameUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrNameUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrNameUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrNameUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrNamePropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameNotSupported     = "org.freedesktop.DBus.Error.NotSupported"
	ErrNameMatchRuleInvalid = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrNameServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrNameNameHasNoOwner   = "org.freedesktop.DBus.Error.NameHasNoOwner"
)

var (
	errorKindsMu sync.RWMutex
	errorKinds   = map[string]ErrorKind{
		ErrNameFailed:           KindFailed,
		ErrNameNoReply:          KindNoReply,
		ErrNameAccessDenied:     KindAccessDenied,
		ErrNameInvalidArgs:      KindInvalidArgs,
		ErrNameUnknownObject:    KindUnknownObject,
		ErrNameUnknownInterface: KindUnknownInterface,
		ErrNameUnknownMethod:    KindUnknownMethod,
		ErrNameUnknownProperty:  KindUnknownProperty,
		ErrNamePropertyReadOnly: KindPropertyReadOnly,
		ErrNameNotSupported:     KindNotSupported,
		ErrNameMatchRuleInvalid: KindMatchRuleInvalid,
		ErrNameServiceUnknown:   KindServiceUnknown,
		ErrNameNameHasNoOwner:   KindNameHasNoOwner,
	}
)

// RegisterErrorKind associates a DBus error name with kind, so that
// [CallError.Kind] reports it. Names registered later override
// earlier registrations.
func RegisterErrorKind(name string, kind ErrorKind) {
	errorKindsMu.Lock()
	defer errorKindsMu.Unlock()
	errorKinds[name] = kind
}

// KindOf returns the ErrorKind registered for the DBus error name,
// or KindUnknown.
func KindOf(name string) ErrorKind {
	errorKindsMu.RLock()
	defer errorKindsMu.RUnlock()
	return errorKinds[name]
}

func (k ErrorKind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindFailed:
		return "failed"
	case KindNoReply:
		return "no reply"
	case KindAccessDenied:
		return "access denied"
	case KindInvalidArgs:
		return "invalid arguments"
	case KindUnknownObject:
		return "unknown object"
	case KindUnknownInterface:
		return "unknown interface"
	case KindUnknownMethod:
		return "unknown method"
	case KindUnknownProperty:
		return "unknown property"
	case KindPropertyReadOnly:
		return "property read-only"
	case KindNotSupported:
		return "not supported"
	case KindMatchRuleInvalid:
		return "match rule invalid"
	case KindServiceUnknown:
		return "service unknown"
	case KindNameHasNoOwner:
		return "name has no owner"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinel values for the standard DBus errors. They match any
// [CallError] of the corresponding kind with [errors.Is].
var (
	ErrFailed           = &CallError{Name: ErrNameFailed}
	ErrNoReply          = &CallError{Name: ErrNameNoReply}
	ErrAccessDenied     = &CallError{Name: ErrNameAccessDenied}
	ErrInvalidArgs      = &CallError{Name: ErrNameInvalidArgs}
	ErrUnknownObject    = &CallError{Name: ErrNameUnknownObject}
	ErrUnknownInterface = &CallError{Name: ErrNameUnknownInterface}
	ErrUnknownMethod    = &CallError{Name: ErrNameUnknownMethod}
	ErrUnknownProperty  = &CallError{Name: ErrNameUnknownProperty}
	ErrPropertyReadOnly = &CallError{Name: ErrNamePropertyReadOnly}
	ErrNotSupported     = &CallError{Name: ErrNameNotSupported}
	ErrMatchRuleInvalid = &CallError{Name: ErrNameMatchRuleInvalid}
	ErrServiceUnknown   = &CallError{Name: ErrNameServiceUnknown}
	ErrNameHasNoOwner   = &CallError{Name: ErrNameNameHasNoOwner}
)

// CallError is the error returned from failed DBus method calls, and
// the error that method handlers may return to reply with a specific
// DBus error name.
type CallError struct {
	// Name is the DBus error name.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

// NewCallError returns a CallError with the given name and a detail
// message formatted from format and args.
func NewCallError(name, format string, args ...any) *CallError {
	return &CallError{Name: name, Detail: fmt.Sprintf(format, args...)}
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Kind returns the registered ErrorKind of the error's name.
func (e *CallError) Kind() ErrorKind {
	return KindOf(e.Name)
}

// Is reports whether target is a CallError with the same name. A
// target with no Detail matches any detail.
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	return t.Name == e.Name && (t.Detail == "" || t.Detail == e.Detail)
}

// asCallError converts an error returned by a method handler into the
// CallError sent back to the caller.
func asCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	var (
		te TypeError
		se *SignatureError
	)
	if errors.As(err, &te) || errors.As(err, &se) || errors.Is(err, ErrSignatureMismatch) || errors.Is(err, fragments.ErrMalformed) || errors.Is(err, fragments.ErrTruncated) {
		return &CallError{Name: ErrNameInvalidArgs, Detail: sanitizeDetail(err.Error())}
	}
	return &CallError{Name: ErrNameFailed, Detail: sanitizeDetail(err.Error())}
}

// sanitizeDetail trims an error message to something reasonable to
// send to a remote peer.
func sanitizeDetail(s string) string {
	const maxDetail = 512
	if len(s) > maxDetail {
		s = s[:maxDetail] + "..."
	}
	ret := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			r = ' '
		}
		ret = append(ret, r)
	}
	return string(ret)
}
