package dbus

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"
)

// maxMatchArg is the highest argument index a match rule may
// constrain.
const maxMatchArg = 63

// MatchRule is a filter over messages, in the form the bus accepts
// for AddMatch.
//
// The builder methods record the first invalid constraint, which is
// reported by [MatchRule.Err] and by every operation that uses the
// rule.
type MatchRule struct {
	typ         value.Maybe[MessageType]
	sender      value.Maybe[string]
	iface       value.Maybe[string]
	member      value.Maybe[string]
	path        value.Maybe[ObjectPath]
	pathNS      value.Maybe[ObjectPath]
	destination value.Maybe[string]
	args        map[int]string
	argPaths    map[int]string
	arg0NS      value.Maybe[string]
	eavesdrop   bool

	err error
}

// NewMatchRule returns a rule that matches every message.
func NewMatchRule() *MatchRule {
	return &MatchRule{}
}

// MatchSignals returns a rule that matches all signals.
func MatchSignals() *MatchRule {
	return NewMatchRule().Type(TypeSignal)
}

// MatchNotification returns a rule for the signal whose body type is
// T. T must be registered with [RegisterSignalType].
func MatchNotification[T any]() *MatchRule {
	t := derefType(reflect.TypeFor[T]())
	k, ok := signalNameFor(t)
	if !ok {
		r := MatchSignals()
		r.fail(fmt.Errorf("unknown signal type %s", t))
		return r
	}
	return MatchSignals().Interface(k.Interface).Member(k.Signal)
}

// MatchPropertiesChanged returns a rule for PropertiesChanged
// signals about properties of iface.
func MatchPropertiesChanged(iface string) *MatchRule {
	return MatchSignals().Interface(ifaceProps).Member("PropertiesChanged").Arg(0, iface)
}

// Err returns the first invalid constraint added to r, if any.
func (r *MatchRule) Err() error { return r.err }

func (r *MatchRule) fail(err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %w", ErrMatchRuleInvalid, err)
	}
}

// Type restricts the rule to messages of type t.
func (r *MatchRule) Type(t MessageType) *MatchRule {
	if t < TypeMethodCall || t > TypeSignal {
		r.fail(fmt.Errorf("unknown message type %d", byte(t)))
		return r
	}
	r.typ = value.Just(t)
	return r
}

// Sender restricts the rule to messages sent by name, which may be a
// unique or well-known bus name.
func (r *MatchRule) Sender(name string) *MatchRule {
	if err := ValidateBusName(name); err != nil {
		r.fail(err)
		return r
	}
	r.sender = value.Just(name)
	return r
}

// Interface restricts the rule to messages with the given interface.
func (r *MatchRule) Interface(name string) *MatchRule {
	if err := ValidateInterfaceName(name); err != nil {
		r.fail(err)
		return r
	}
	r.iface = value.Just(name)
	return r
}

// Member restricts the rule to messages with the given member.
func (r *MatchRule) Member(name string) *MatchRule {
	if err := ValidateMemberName(name); err != nil {
		r.fail(err)
		return r
	}
	r.member = value.Just(name)
	return r
}

// Path restricts the rule to messages about one object.
func (r *MatchRule) Path(p ObjectPath) *MatchRule {
	switch {
	case !p.Valid():
		r.fail(fmt.Errorf("invalid object path %q", p))
	case r.pathNS.Present():
		r.fail(errors.New("path and path_namespace are mutually exclusive"))
	default:
		r.path = value.Just(p)
	}
	return r
}

// PathNamespace restricts the rule to messages about p and the
// objects below it.
//
// For example, PathNamespace("/mascots/gopher") matches
// /mascots/gopher and /mascots/gopher/plushie, but not
// /mascots/glenda.
func (r *MatchRule) PathNamespace(p ObjectPath) *MatchRule {
	switch {
	case !p.Valid():
		r.fail(fmt.Errorf("invalid object path %q", p))
	case r.path.Present():
		r.fail(errors.New("path and path_namespace are mutually exclusive"))
	default:
		r.pathNS = value.Just(p)
	}
	return r
}

// Destination restricts the rule to messages addressed to the given
// unique name.
func (r *MatchRule) Destination(name string) *MatchRule {
	if err := ValidateBusName(name); err != nil {
		r.fail(err)
		return r
	}
	r.destination = value.Just(name)
	return r
}

func (r *MatchRule) checkArg(i int) bool {
	if i < 0 || i > maxMatchArg {
		r.fail(fmt.Errorf("argument index %d out of range 0..%d", i, maxMatchArg))
		return false
	}
	return true
}

// Arg restricts the rule to messages whose i-th body value is the
// string val.
func (r *MatchRule) Arg(i int, val string) *MatchRule {
	if !r.checkArg(i) {
		return r
	}
	if r.args == nil {
		r.args = map[int]string{}
	}
	r.args[i] = val
	return r
}

// ArgPath restricts the rule to messages whose i-th body value is a
// string or object path that equals val, or that is a path prefix of
// val or has val as a path prefix. A path prefix ends with '/'.
func (r *MatchRule) ArgPath(i int, val string) *MatchRule {
	if !r.checkArg(i) {
		return r
	}
	if r.argPaths == nil {
		r.argPaths = map[int]string{}
	}
	r.argPaths[i] = val
	return r
}

// Arg0Namespace restricts the rule to messages whose first body
// value is a bus or interface name equal to ns, or within the
// dot-separated namespace ns.
func (r *MatchRule) Arg0Namespace(ns string) *MatchRule {
	r.arg0NS = value.Just(ns)
	return r
}

// Eavesdrop asks the bus to also deliver matching messages that are
// addressed to other connections. The bus may refuse.
func (r *MatchRule) Eavesdrop(on bool) *MatchRule {
	r.eavesdrop = on
	return r
}

// String returns the rule in the format used by AddMatch and
// RemoveMatch.
func (r *MatchRule) String() string {
	var ms []string
	kv := func(k string, v string) {
		ms = append(ms, k+"="+escapeMatchArg(v))
	}

	if t, ok := r.typ.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := r.sender.GetOK(); ok {
		kv("sender", s)
	}
	if s, ok := r.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := r.member.GetOK(); ok {
		kv("member", s)
	}
	if p, ok := r.path.GetOK(); ok {
		kv("path", string(p))
	}
	if p, ok := r.pathNS.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if s, ok := r.destination.GetOK(); ok {
		kv("destination", s)
	}
	for _, i := range slices.Sorted(maps.Keys(r.args)) {
		kv(fmt.Sprintf("arg%d", i), r.args[i])
	}
	for _, i := range slices.Sorted(maps.Keys(r.argPaths)) {
		kv(fmt.Sprintf("arg%dpath", i), r.argPaths[i])
	}
	if n, ok := r.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}
	if r.eavesdrop {
		kv("eavesdrop", "true")
	}
	return strings.Join(ms, ",")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", `'\''`)
	return "'" + s + "'"
}

// ParseMatchRule parses a rule in the AddMatch format.
func ParseMatchRule(s string) (*MatchRule, error) {
	r := NewMatchRule()
	seen := map[string]bool{}
	for len(s) > 0 {
		k, v, rest, err := nextMatchPair(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMatchRuleInvalid, err)
		}
		s = rest
		if seen[k] {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrMatchRuleInvalid, k)
		}
		seen[k] = true
		if err := r.set(k, v); err != nil {
			return nil, err
		}
		if r.err != nil {
			return nil, r.err
		}
	}
	return r, nil
}

// nextMatchPair splits the first key=value pair off s.
func nextMatchPair(s string) (key, val, rest string, err error) {
	s = strings.TrimLeft(s, " ")
	key, s, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", "", "", fmt.Errorf("missing key=value in %q", s)
	}
	var (
		b      strings.Builder
		quoted bool
	)
	i := 0
	for ; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'':
			quoted = !quoted
		case !quoted && ch == '\\' && i+1 < len(s) && s[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case !quoted && ch == ',':
			return key, b.String(), s[i+1:], nil
		default:
			b.WriteByte(ch)
		}
	}
	if quoted {
		return "", "", "", fmt.Errorf("unterminated quote in value of %q", key)
	}
	return key, b.String(), "", nil
}

func (r *MatchRule) set(k, v string) error {
	switch k {
	case "type":
		switch v {
		case "signal":
			r.Type(TypeSignal)
		case "method_call":
			r.Type(TypeMethodCall)
		case "method_return":
			r.Type(TypeMethodReturn)
		case "error":
			r.Type(TypeErrorReply)
		default:
			return fmt.Errorf("%w: unknown message type %q", ErrMatchRuleInvalid, v)
		}
	case "sender":
		r.Sender(v)
	case "interface":
		r.Interface(v)
	case "member":
		r.Member(v)
	case "path":
		r.Path(ObjectPath(v))
	case "path_namespace":
		r.PathNamespace(ObjectPath(v))
	case "destination":
		r.Destination(v)
	case "arg0namespace":
		r.Arg0Namespace(v)
	case "eavesdrop":
		switch v {
		case "true":
			r.Eavesdrop(true)
		case "false":
			r.Eavesdrop(false)
		default:
			return fmt.Errorf("%w: invalid eavesdrop value %q", ErrMatchRuleInvalid, v)
		}
	default:
		n, isPath := strings.CutSuffix(strings.TrimPrefix(k, "arg"), "path")
		if !strings.HasPrefix(k, "arg") || n == "" {
			return fmt.Errorf("%w: unknown key %q", ErrMatchRuleInvalid, k)
		}
		i, err := strconv.Atoi(n)
		if err != nil {
			return fmt.Errorf("%w: unknown key %q", ErrMatchRuleInvalid, k)
		}
		if isPath {
			r.ArgPath(i, v)
		} else {
			r.Arg(i, v)
		}
	}
	return nil
}

// Matches reports whether m satisfies r. Sender constraints are
// compared with the message's sender literally.
func (r *MatchRule) Matches(m *Message) bool {
	return r.matches(m, nil)
}

// matches reports whether m satisfies r. If owner is not nil, it
// maps a well-known sender name to the unique name that owns it.
func (r *MatchRule) matches(m *Message, owner func(string) string) bool {
	if r.err != nil {
		return false
	}
	if t, ok := r.typ.GetOK(); ok && m.Type != t {
		return false
	}
	if s, ok := r.sender.GetOK(); ok && m.Sender != s {
		if owner == nil || strings.HasPrefix(s, ":") || m.Sender == "" || owner(s) != m.Sender {
			return false
		}
	}
	if s, ok := r.iface.GetOK(); ok && m.Interface != s {
		return false
	}
	if s, ok := r.member.GetOK(); ok && m.Member != s {
		return false
	}
	if p, ok := r.path.GetOK(); ok && m.Path != p {
		return false
	}
	if p, ok := r.pathNS.GetOK(); ok && !inPathNamespace(m.Path, p) {
		return false
	}
	if s, ok := r.destination.GetOK(); ok && m.Destination != s {
		return false
	}
	if len(r.args) == 0 && len(r.argPaths) == 0 && !r.arg0NS.Present() {
		return true
	}

	args, err := m.Args()
	if err != nil {
		return false
	}
	for i, want := range r.args {
		if i >= len(args) {
			return false
		}
		if got, ok := args[i].(string); !ok || got != want {
			return false
		}
	}
	for i, want := range r.argPaths {
		if i >= len(args) {
			return false
		}
		var got string
		switch v := args[i].(type) {
		case string:
			got = v
		case ObjectPath:
			got = string(v)
		default:
			return false
		}
		if !argPathMatch(got, want) {
			return false
		}
	}
	if ns, ok := r.arg0NS.GetOK(); ok {
		if len(args) == 0 {
			return false
		}
		got, ok := args[0].(string)
		if !ok || (got != ns && !strings.HasPrefix(got, ns+".")) {
			return false
		}
	}
	return true
}

func inPathNamespace(p, ns ObjectPath) bool {
	return ns == "/" || p == ns || strings.HasPrefix(string(p), string(ns)+"/")
}

// argPathMatch reports whether got and want are equal, or one is a
// path prefix, ending in '/', of the other.
func argPathMatch(got, want string) bool {
	if got == want {
		return true
	}
	if strings.HasSuffix(want, "/") && strings.HasPrefix(got, want) {
		return true
	}
	return strings.HasSuffix(got, "/") && strings.HasPrefix(want, got)
}
