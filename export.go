package dbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

// InterfaceImpl is a local implementation of an interface, exported
// on an object with [Conn.Export].
type InterfaceImpl struct {
	// Methods maps method names to handler functions. Handlers must
	// have one of the following type signatures, where ReqType and
	// RetType determine the method's [Signature].
	//
	//	func(context.Context, dbus.ObjectPath) error
	//	func(context.Context, dbus.ObjectPath) (RetType, error)
	//	func(context.Context, dbus.ObjectPath, ReqType) error
	//	func(context.Context, dbus.ObjectPath, ReqType) (RetType, error)
	//
	// Struct request and response types stand for all the values of
	// the message body.
	Methods map[string]any
	// Properties maps property names to their implementation.
	Properties map[string]*Property
	// Signals describes the signals the interface emits, for
	// introspection.
	Signals map[string]Signature
}

// Property is an exported property.
type Property struct {
	// Type is the property's signature.
	Type Signature
	// Get returns the current value. A nil Get makes the property
	// write-only.
	Get func(ctx context.Context) (any, error)
	// Set changes the value. A nil Set makes the property read-only.
	Set func(ctx context.Context, v Variant) error
}

// NewProperty returns a Property of type T. set may be nil for a
// read-only property.
func NewProperty[T any](get func(context.Context) (T, error), set func(context.Context, T) error) *Property {
	sig, err := SignatureFor[T]()
	if err != nil {
		panic(fmt.Errorf("invalid property type %s: %w", reflect.TypeFor[T](), err))
	}
	ret := &Property{Type: sig}
	if get != nil {
		ret.Get = func(ctx context.Context) (any, error) { return get(ctx) }
	}
	if set != nil {
		ret.Set = func(ctx context.Context, v Variant) error {
			val, ok := v.Value.(T)
			if !ok {
				return NewCallError(ErrNameInvalidArgs, "property has type %s, got %T", sig, v.Value)
			}
			return set(ctx, val)
		}
	}
	return ret
}

type exportedIface struct {
	name    string
	impl    *InterfaceImpl
	methods map[string]*method
}

type method struct {
	fn      handlerFunc
	in, out Signature
}

type handlerFunc func(ctx context.Context, object ObjectPath, call *Message) (any, error)

// Export makes impl available as interface name on the object at
// path, replacing any previous implementation.
func (c *Conn) Export(path ObjectPath, name string, impl *InterfaceImpl) error {
	if !path.Valid() {
		return fmt.Errorf("invalid object path %q", path)
	}
	if err := ValidateInterfaceName(name); err != nil {
		return err
	}
	switch name {
	case ifacePeer, ifaceIntro, ifaceProps:
		return fmt.Errorf("interface %s is provided by the connection", name)
	}
	exp := &exportedIface{
		name:    name,
		impl:    impl,
		methods: map[string]*method{},
	}
	for mname, fn := range impl.Methods {
		if err := ValidateMemberName(mname); err != nil {
			return err
		}
		m, err := handlerForFunc(fn)
		if err != nil {
			return fmt.Errorf("method %s.%s: %w", name, mname, err)
		}
		exp.methods[mname] = m
	}
	for pname, p := range impl.Properties {
		if p == nil || (p.Get == nil && p.Set == nil) {
			return fmt.Errorf("property %s.%s has no accessors", name, pname)
		}
		if !p.Type.IsSingle() {
			return fmt.Errorf("property %s.%s must have a single complete type, got %q", name, pname, p.Type)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ifaces := c.objects[path]
	if ifaces == nil {
		ifaces = map[string]*exportedIface{}
		c.objects[path] = ifaces
	}
	ifaces[name] = exp
	return nil
}

// Unexport removes interface name from the object at path. The
// object disappears when its last interface is removed.
func (c *Conn) Unexport(path ObjectPath, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ifaces := c.objects[path]
	delete(ifaces, name)
	if len(ifaces) == 0 {
		delete(c.objects, path)
	}
}

const msgInvalidHandlerSignature = "invalid signature %s for handler func, valid signatures are:\n  func(context.Context, dbus.ObjectPath, ReqT) (RespT, error)\n  func(context.Context, dbus.ObjectPath) (RespT, error)\n  func(context.Context, dbus.ObjectPath, ReqT) error\n  func(context.Context, dbus.ObjectPath) error"

func handlerForFunc(fn any) (*method, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		return nil, errors.New("nil handler function")
	}
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("non-function handler type %s", t)
	}
	ni, no := t.NumIn(), t.NumOut()
	if ni < 2 || ni > 3 || no < 1 || no > 2 ||
		!t.In(0).Implements(reflect.TypeFor[context.Context]()) ||
		t.In(1) != reflect.TypeFor[ObjectPath]() ||
		t.Out(no-1) != reflect.TypeFor[error]() {
		return nil, fmt.Errorf(msgInvalidHandlerSignature, t)
	}

	ret := &method{}
	var reqT reflect.Type
	if ni == 3 {
		reqT = t.In(2)
		sig, err := signatureFor(reqT, nil)
		if err != nil {
			return nil, fmt.Errorf("request type %s is not a valid DBus type: %w", reqT, err)
		}
		ret.in = bodySignature(sig)
	}
	if no == 2 {
		sig, err := signatureFor(t.Out(0), nil)
		if err != nil {
			return nil, fmt.Errorf("response type %s is not a valid DBus type: %w", t.Out(0), err)
		}
		ret.out = bodySignature(sig)
	}

	ret.fn = func(ctx context.Context, obj ObjectPath, call *Message) (any, error) {
		args := []reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(obj)}
		if reqT != nil {
			req := reflect.New(reqT)
			if err := call.Decode(req.Interface()); err != nil {
				return nil, err
			}
			args = append(args, req.Elem())
		} else if !call.Signature.IsZero() {
			return nil, fmt.Errorf("%w: method takes no arguments, got %q", ErrSignatureMismatch, call.Signature)
		}
		rets := v.Call(args)
		if err, ok := rets[no-1].Interface().(error); ok && err != nil {
			return nil, err
		}
		if no == 2 {
			return rets[0].Interface(), nil
		}
		return nil, nil
	}
	return ret, nil
}

// bodySignature returns sig with the outer parens of a struct
// removed, which is how a struct body appears in a message.
func bodySignature(sig Signature) Signature {
	s := sig.String()
	if !strings.HasPrefix(s, "(") || !sig.IsSingle() {
		return sig
	}
	return MustParseSignature(s[1 : len(s)-1])
}

// handleCall runs the handler for an incoming method call and sends
// its reply.
func (c *Conn) handleCall(m *Message) {
	ctx := withContextMessage(context.Background(), m)
	ctx = withContextSender(ctx, c.Peer(m.Sender).Object(m.Path).Interface(m.Interface))
	resp, err := c.dispatchCall(ctx, m)
	if !m.WantReply() {
		return
	}
	if err != nil {
		c.replyError(m, asCallError(err))
		return
	}
	reply := NewMethodReturn(m)
	if err := reply.setBodyFlat(resp); err != nil {
		c.log.WithError(err).WithField("member", m.Member).Error("cannot encode method reply")
		c.replyError(m, NewCallError(ErrNameFailed, "%s", sanitizeDetail("encoding reply: "+err.Error())))
		return
	}
	if err := c.send(reply, nil); err != nil {
		c.log.WithError(err).WithField("reply_serial", m.Serial).Debug("cannot send method reply")
	}
}

func (c *Conn) replyError(call *Message, ce *CallError) {
	if err := c.send(NewError(call, ce), nil); err != nil {
		c.log.WithError(err).WithField("reply_serial", call.Serial).Debug("cannot send error reply")
	}
}

func (c *Conn) dispatchCall(ctx context.Context, m *Message) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithFields(logrus.Fields{
				"panic":     r,
				"path":      m.Path,
				"interface": m.Interface,
				"member":    m.Member,
			}).Error("method handler panicked")
			resp, err = nil, NewCallError(ErrNameFailed, "%s", sanitizeDetail(fmt.Sprintf("method handler panicked: %v", r)))
		}
	}()

	switch {
	case m.Interface == ifacePeer:
		return c.handlePeer(m)
	case m.Interface == ifaceIntro && m.Member == "Introspect":
		return c.introspect(m.Path)
	}

	ifaces := c.lookupObject(m.Path)
	if ifaces == nil {
		return nil, NewCallError(ErrNameUnknownObject, "no object at path %s", m.Path)
	}
	if m.Interface == ifaceProps {
		return c.handleProps(ctx, m, ifaces)
	}

	var meth *method
	if m.Interface == "" {
		for _, name := range slices.Sorted(maps.Keys(ifaces)) {
			if meth = ifaces[name].methods[m.Member]; meth != nil {
				break
			}
		}
	} else {
		iface := ifaces[m.Interface]
		if iface == nil {
			return nil, NewCallError(ErrNameUnknownInterface, "object %s has no interface %s", m.Path, m.Interface)
		}
		meth = iface.methods[m.Member]
	}
	if meth == nil {
		return nil, NewCallError(ErrNameUnknownMethod, "no method %s on interface %q of object %s", m.Member, m.Interface, m.Path)
	}
	return meth.fn(ctx, m.Path, m)
}

// lookupObject returns a snapshot of the interfaces exported at
// path, or nil if there are none.
func (c *Conn) lookupObject(path ObjectPath) map[string]*exportedIface {
	c.mu.Lock()
	defer c.mu.Unlock()
	ifaces := c.objects[path]
	if len(ifaces) == 0 {
		return nil
	}
	return maps.Clone(ifaces)
}

func (c *Conn) handleProps(ctx context.Context, m *Message, ifaces map[string]*exportedIface) (any, error) {
	prop := func(iface, name string) (*Property, error) {
		exp := ifaces[iface]
		if exp == nil {
			return nil, NewCallError(ErrNameUnknownInterface, "object %s has no interface %s", m.Path, iface)
		}
		p := exp.impl.Properties[name]
		if p == nil {
			return nil, NewCallError(ErrNameUnknownProperty, "interface %s has no property %s", iface, name)
		}
		return p, nil
	}

	switch m.Member {
	case "Get":
		var req struct {
			Interface string
			Name      string
		}
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		p, err := prop(req.Interface, req.Name)
		if err != nil {
			return nil, err
		}
		if p.Get == nil {
			return nil, NewCallError(ErrNameAccessDenied, "property %s.%s is write-only", req.Interface, req.Name)
		}
		v, err := p.Get(ctx)
		if err != nil {
			return nil, err
		}
		return Variant{v}, nil
	case "Set":
		var req struct {
			Interface string
			Name      string
			Value     Variant
		}
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		p, err := prop(req.Interface, req.Name)
		if err != nil {
			return nil, err
		}
		if p.Set == nil {
			return nil, NewCallError(ErrNamePropertyReadOnly, "property %s.%s is read-only", req.Interface, req.Name)
		}
		if err := p.Set(ctx, req.Value); err != nil {
			return nil, err
		}
		if err := c.EmitPropertiesChanged(ctx, m.Path, req.Interface, map[string]any{req.Name: req.Value.Value}); err != nil {
			c.log.WithError(err).WithField("property", req.Name).Debug("cannot emit PropertiesChanged")
		}
		return nil, nil
	case "GetAll":
		var iface string
		if err := m.Decode(&iface); err != nil {
			return nil, err
		}
		exp := ifaces[iface]
		if exp == nil {
			return nil, NewCallError(ErrNameUnknownInterface, "object %s has no interface %s", m.Path, iface)
		}
		ret := map[string]Variant{}
		for name, p := range exp.impl.Properties {
			if p.Get == nil {
				continue
			}
			v, err := p.Get(ctx)
			if err != nil {
				return nil, err
			}
			ret[name] = Variant{v}
		}
		return ret, nil
	default:
		return nil, NewCallError(ErrNameUnknownMethod, "no method %s on interface %s", m.Member, ifaceProps)
	}
}

// EmitPropertiesChanged emits a PropertiesChanged signal for
// properties of iface on the object at path.
func (c *Conn) EmitPropertiesChanged(ctx context.Context, path ObjectPath, iface string, changed map[string]any, invalidated ...string) error {
	vs := make(map[string]Variant, len(changed))
	for k, v := range changed {
		vs[k] = Variant{v}
	}
	if invalidated == nil {
		invalidated = []string{}
	}
	return c.EmitSignal(ctx, path, PropertiesChanged{
		Interface:   iface,
		Changed:     vs,
		Invalidated: invalidated,
	})
}
