package dbus_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/dbus"
	"github.com/corebus/dbus/dbustest"
)

const (
	testIface = "org.test.Echo"
	testPath  = dbus.ObjectPath("/org/test/Echo")
)

type sumReq struct {
	A, B int32
}

type echoServer struct {
	mu    sync.Mutex
	label string

	block chan struct{}
}

func (s *echoServer) impl() *dbus.InterfaceImpl {
	return &dbus.InterfaceImpl{
		Methods: map[string]any{
			"Echo": func(ctx context.Context, _ dbus.ObjectPath, msg string) (string, error) {
				return msg, nil
			},
			"Sum": func(ctx context.Context, _ dbus.ObjectPath, req sumReq) (int32, error) {
				return req.A + req.B, nil
			},
			"Fail": func(ctx context.Context, _ dbus.ObjectPath) error {
				return dbus.NewCallError("org.test.Error.Nope", "nope %d", 42)
			},
			"Panic": func(ctx context.Context, _ dbus.ObjectPath) error {
				panic("boom")
			},
			"Block": func(ctx context.Context, _ dbus.ObjectPath) error {
				<-s.block
				return nil
			},
			"Sender": func(ctx context.Context, _ dbus.ObjectPath) (string, error) {
				m, ok := dbus.ContextMessage(ctx)
				if !ok {
					return "", errors.New("no message in context")
				}
				return m.Member, nil
			},
		},
		Properties: map[string]*dbus.Property{
			"Label": dbus.NewProperty(
				func(context.Context) (string, error) {
					s.mu.Lock()
					defer s.mu.Unlock()
					return s.label, nil
				},
				func(_ context.Context, v string) error {
					s.mu.Lock()
					defer s.mu.Unlock()
					s.label = v
					return nil
				}),
			"Version": dbus.NewProperty[uint32](func(context.Context) (uint32, error) { return 3, nil }, nil),
			"Secret":  dbus.NewProperty[string](nil, func(context.Context, string) error { return nil }),
		},
		Signals: map[string]dbus.Signature{
			"Ping": dbus.MustParseSignature("s"),
		},
	}
}

func newEchoPair(t *testing.T, opts ...dbus.Option) (*dbustest.Pair, *echoServer, dbus.Interface) {
	t.Helper()
	p := dbustest.NewPair(t, opts...)
	srv := &echoServer{label: "initial", block: make(chan struct{})}
	t.Cleanup(func() { close(srv.block) })
	require.NoError(t, p.Server.Export(testPath, testIface, srv.impl()))
	return p, srv, p.Client.Peer("").Object(testPath).Interface(testIface)
}

func TestCallEcho(t *testing.T) {
	_, _, echo := newEchoPair(t)
	ctx := context.Background()

	got, err := dbus.Call[string](ctx, echo, "Echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	sum, err := dbus.Call[int32](ctx, echo, "Sum", sumReq{2, 40})
	require.NoError(t, err)
	assert.Equal(t, int32(42), sum)

	member, err := dbus.Call[string, any](ctx, echo, "Sender", nil)
	require.NoError(t, err)
	assert.Equal(t, "Sender", member)
}

func TestCallErrors(t *testing.T) {
	p, _, echo := newEchoPair(t)
	ctx := context.Background()
	peer := p.Client.Peer("")

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"unknown method", func() error { return echo.Call(ctx, "Nope", nil, nil) }, dbus.ErrUnknownMethod},
		{"unknown interface", func() error { return peer.Object(testPath).Interface("org.test.Other").Call(ctx, "Echo", "x", nil) }, dbus.ErrUnknownInterface},
		{"unknown object", func() error { return peer.Object("/nowhere").Interface(testIface).Call(ctx, "Echo", "x", nil) }, dbus.ErrUnknownObject},
		{"wrong args", func() error { return echo.Call(ctx, "Echo", uint32(1), nil) }, dbus.ErrInvalidArgs},
		{"handler error", func() error { return echo.Call(ctx, "Fail", nil, nil) }, &dbus.CallError{Name: "org.test.Error.Nope"}},
		{"handler panic", func() error { return echo.Call(ctx, "Panic", nil, nil) }, dbus.ErrFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			var ce *dbus.CallError
			assert.ErrorAs(t, err, &ce)
		})
	}

	err := echo.Call(ctx, "Fail", nil, nil)
	var ce *dbus.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "nope 42", ce.Detail)

	// The connection survives handler failures.
	got, err := dbus.Call[string](ctx, echo, "Echo", "still here")
	require.NoError(t, err)
	assert.Equal(t, "still here", got)
}

func TestCallTimeout(t *testing.T) {
	_, _, echo := newEchoPair(t, dbus.WithCallTimeout(50*time.Millisecond))

	start := time.Now()
	err := echo.Call(context.Background(), "Block", nil, nil)
	assert.ErrorIs(t, err, dbus.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err = echo.Call(ctx, "Block", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, dbus.ErrTimeout)
}

func TestSerials(t *testing.T) {
	p, _, _ := newEchoPair(t)
	ctx := context.Background()

	const n = 50
	var (
		mu      sync.Mutex
		serials []uint32
		wg      sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := dbus.NewMethodCall("", testPath, testIface, "Echo")
			if err := m.SetBody(strings.Repeat("x", i)); err != nil {
				t.Error(err)
				return
			}
			pc, err := p.Client.CallAsync(ctx, m)
			if err != nil {
				t.Error(err)
				return
			}
			reply, err := pc.Wait(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			var got string
			if err := reply.Decode(&got); err != nil {
				t.Error(err)
				return
			}
			if len(got) != i {
				t.Errorf("call %d got reply meant for another call: %q", i, got)
			}
			if reply.ReplySerial != pc.Serial() {
				t.Errorf("reply serial %d for call serial %d", reply.ReplySerial, pc.Serial())
			}
			mu.Lock()
			defer mu.Unlock()
			serials = append(serials, pc.Serial())
		}()
	}
	wg.Wait()

	slices.Sort(serials)
	assert.Len(t, slices.Compact(serials), n, "serials are not unique")
	assert.NotContains(t, serials, uint32(0))
}

func TestPendingCallCompletesOnce(t *testing.T) {
	_, _, echo := newEchoPair(t)
	ctx := context.Background()

	m := dbus.NewMethodCall("", testPath, testIface, "Block")
	pc, err := echo.Conn().CallAsync(ctx, m)
	require.NoError(t, err)
	pc.Cancel()

	<-pc.Done()
	_, err = pc.Result()
	assert.ErrorIs(t, err, context.Canceled)

	// Completing again, as a late reply or a disconnect would, does
	// not change the outcome.
	echo.Conn().Close()
	_, err = pc.Result()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNoReplyCall(t *testing.T) {
	_, _, echo := newEchoPair(t)
	ctx := context.Background()

	require.NoError(t, echo.OneWay(ctx, "Echo", "fire and forget"))

	m := dbus.NewMethodCall("", testPath, testIface, "Echo")
	m.Flags |= dbus.FlagNoReplyExpected
	require.NoError(t, m.SetBody("x"))
	pc, err := echo.Conn().CallAsync(ctx, m)
	require.NoError(t, err)
	select {
	case <-pc.Done():
	default:
		t.Fatal("no-reply call is still pending")
	}
	reply, err := pc.Result()
	assert.NoError(t, err)
	assert.Nil(t, reply)
}

func TestDisconnect(t *testing.T) {
	causes := make(chan error, 1)
	p, _, echo := newEchoPair(t, dbus.WithDisconnectHandler(func(err error) {
		// The server end closes locally, with a nil cause.
		if err != nil {
			causes <- err
		}
	}))
	ctx := context.Background()

	m := dbus.NewMethodCall("", testPath, testIface, "Block")
	pc, err := p.Client.CallAsync(ctx, m)
	require.NoError(t, err)

	w := p.Client.Watch()

	require.NoError(t, p.Server.Close())

	select {
	case <-p.Client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the server going away")
	}
	assert.Equal(t, dbus.StateDisconnected, p.Client.State())
	assert.Error(t, p.Client.Err())
	assert.True(t, dbus.IsFatal(p.Client.Err()))

	_, err = pc.Wait(ctx)
	assert.ErrorIs(t, err, dbus.ErrNotConnected)

	_, ok := <-w.Chan()
	assert.False(t, ok, "watcher channel still open after disconnect")

	err = echo.Call(ctx, "Echo", "x", nil)
	assert.ErrorIs(t, err, dbus.ErrNotConnected)

	select {
	case err := <-causes:
		assert.True(t, dbus.IsFatal(err))
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect handler not called")
	}
}

func TestLocalClose(t *testing.T) {
	p := dbustest.NewPair(t)
	require.NoError(t, p.Client.Close())
	<-p.Client.Done()
	assert.NoError(t, p.Client.Err())
	assert.Equal(t, dbus.StateDisconnected, p.Client.State())
	require.NoError(t, p.Client.Close(), "second Close")

	select {
	case <-p.Server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not notice the client going away")
	}
}

func TestProperties(t *testing.T) {
	_, _, echo := newEchoPair(t)
	ctx := context.Background()

	label, err := dbus.GetProperty[string](ctx, echo, "Label")
	require.NoError(t, err)
	assert.Equal(t, "initial", label)

	var anyVal any
	require.NoError(t, echo.GetProperty(ctx, "Version", &anyVal))
	assert.Equal(t, uint32(3), anyVal)

	require.NoError(t, echo.SetProperty(ctx, "Label", "changed"))
	label, err = dbus.GetProperty[string](ctx, echo, "Label")
	require.NoError(t, err)
	assert.Equal(t, "changed", label)

	all, err := echo.GetAllProperties(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Label": "changed", "Version": uint32(3)}, all)

	err = echo.SetProperty(ctx, "Version", uint32(4))
	assert.ErrorIs(t, err, dbus.ErrPropertyReadOnly)

	_, err = dbus.GetProperty[string](ctx, echo, "Secret")
	assert.ErrorIs(t, err, dbus.ErrAccessDenied)

	_, err = dbus.GetProperty[string](ctx, echo, "Missing")
	assert.ErrorIs(t, err, dbus.ErrUnknownProperty)

	err = echo.SetProperty(ctx, "Label", uint32(1))
	assert.ErrorIs(t, err, dbus.ErrInvalidArgs)

	require.NoError(t, echo.SetProperty(ctx, "Label", dbus.Variant{Value: "as variant"}))
	var v dbus.Variant
	require.NoError(t, echo.GetProperty(ctx, "Label", &v))
	assert.Equal(t, "as variant", v.Value)

	var wrongType uint32
	assert.Error(t, echo.GetProperty(ctx, "Label", &wrongType))
	assert.Error(t, echo.GetProperty(ctx, "Label", wrongType), "non-pointer target")
	assert.Error(t, echo.GetProperty(ctx, "Not.A.Member", &anyVal))
	assert.Error(t, echo.SetProperty(ctx, "", "x"))
}

func TestPropertiesChangedSignal(t *testing.T) {
	p, _, echo := newEchoPair(t)
	ctx := context.Background()

	w := p.Client.Watch()
	defer w.Close()
	_, err := w.Match(dbus.MatchPropertiesChanged(testIface))
	require.NoError(t, err)

	require.NoError(t, echo.SetProperty(ctx, "Label", "new"))

	select {
	case n := <-w.Chan():
		pc, ok := n.Body.(*dbus.PropertiesChanged)
		require.True(t, ok, "body is %T", n.Body)
		assert.Equal(t, testIface, pc.Interface)
		assert.Equal(t, "new", pc.Changed["Label"].Value)
		assert.Equal(t, testPath, n.Sender.Object().Path())
	case <-time.After(5 * time.Second):
		t.Fatal("no PropertiesChanged signal")
	}
}

func TestIntrospect(t *testing.T) {
	p, _, _ := newEchoPair(t)
	ctx := context.Background()
	peer := p.Client.Peer("")

	desc, err := peer.Object(testPath).Description(ctx)
	require.NoError(t, err)
	for _, name := range []string{testIface, "org.freedesktop.DBus.Peer", "org.freedesktop.DBus.Introspectable", "org.freedesktop.DBus.Properties"} {
		assert.Contains(t, desc.Interfaces, name)
	}
	echo := desc.Interfaces[testIface]
	require.NotNil(t, echo)
	var methods []string
	for _, m := range echo.Methods {
		methods = append(methods, m.Name)
	}
	assert.Equal(t, []string{"Block", "Echo", "Fail", "Panic", "Sender", "Sum"}, methods)
	assert.Equal(t, "ii", echo.Methods[5].In[0].Type.String()+echo.Methods[5].In[1].Type.String())

	props := map[string]*dbus.PropertyDescription{}
	for _, p := range echo.Properties {
		props[p.Name] = p
	}
	assert.True(t, props["Label"].Readable && props["Label"].Writable)
	assert.True(t, props["Version"].Readable && !props["Version"].Writable)
	assert.True(t, !props["Secret"].Readable && props["Secret"].Writable)
	require.Len(t, echo.Signals, 1)
	assert.Equal(t, "Ping", echo.Signals[0].Name)

	root, err := peer.Object("/").Description(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"org"}, root.Children)
	assert.Empty(t, root.Interfaces)

	mid, err := peer.Object("/org/test").Description(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Echo"}, mid.Children)

	_, err = peer.Object("/nowhere").Introspect(ctx)
	assert.ErrorIs(t, err, dbus.ErrUnknownObject)

	xml, err := peer.Object(testPath).Introspect(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(xml, "<!DOCTYPE node"), "introspection data lacks doctype:\n%s", xml)
}

func TestPeerInterface(t *testing.T) {
	p := dbustest.NewPair(t)
	ctx := context.Background()

	require.NoError(t, p.Client.Peer("").Ping(ctx))
	// Peer is answered on every path, exported or not.
	err := p.Client.Peer("").Object("/any/path").Interface("org.freedesktop.DBus.Peer").Call(ctx, "Ping", nil, nil)
	require.NoError(t, err)
	err = p.Client.Peer("").Object("/").Interface("org.freedesktop.DBus.Peer").Call(ctx, "Frob", nil, nil)
	assert.ErrorIs(t, err, dbus.ErrUnknownMethod)
}

func TestUnexport(t *testing.T) {
	p, _, echo := newEchoPair(t)
	ctx := context.Background()

	require.NoError(t, echo.Call(ctx, "Echo", "x", nil))
	p.Server.Unexport(testPath, testIface)
	err := echo.Call(ctx, "Echo", "x", nil)
	assert.ErrorIs(t, err, dbus.ErrUnknownObject)
}

func TestExportErrors(t *testing.T) {
	p := dbustest.NewPair(t)
	tests := []struct {
		name  string
		path  dbus.ObjectPath
		iface string
		impl  *dbus.InterfaceImpl
	}{
		{"bad path", "no/slash", testIface, &dbus.InterfaceImpl{}},
		{"bad interface", testPath, "nodots", &dbus.InterfaceImpl{}},
		{"builtin interface", testPath, "org.freedesktop.DBus.Properties", &dbus.InterfaceImpl{}},
		{"bad handler", testPath, testIface, &dbus.InterfaceImpl{Methods: map[string]any{"M": func() {}}}},
		{"not a func", testPath, testIface, &dbus.InterfaceImpl{Methods: map[string]any{"M": 42}}},
		{"bad method name", testPath, testIface, &dbus.InterfaceImpl{Methods: map[string]any{"no-dash": func(context.Context, dbus.ObjectPath) error { return nil }}}},
		{"empty property", testPath, testIface, &dbus.InterfaceImpl{Properties: map[string]*dbus.Property{"P": {}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, p.Server.Export(tc.path, tc.iface, tc.impl))
		})
	}
}

func TestSignals(t *testing.T) {
	p := dbustest.NewPair(t)
	ctx := context.Background()

	w := p.Client.Watch()
	defer w.Close()
	_, err := w.Match(dbus.MatchSignals().Interface(testIface).Member("Ping"))
	require.NoError(t, err)
	// A second overlapping rule does not duplicate delivery.
	_, err = w.Match(dbus.MatchSignals().PathNamespace("/org/test"))
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got []string
	)
	remove, err := p.Client.AddSignalHandler(ctx, dbus.MatchSignals().Member("Ping"), func(m *dbus.Message) {
		var s string
		if err := m.Decode(&s); err != nil {
			t.Error(err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	})
	require.NoError(t, err)

	require.NoError(t, p.Server.Emit(ctx, testPath, testIface, "Ping", "one"))
	require.NoError(t, p.Server.Emit(ctx, testPath, testIface, "Ping", "two"))

	for _, want := range []string{"one", "two"} {
		select {
		case n := <-w.Chan():
			assert.Equal(t, "Ping", n.Name)
			assert.Equal(t, []any{want}, n.Body)
		case <-time.After(5 * time.Second):
			t.Fatalf("signal %q not delivered", want)
		}
	}
	select {
	case n := <-w.Chan():
		t.Fatalf("unexpected extra notification %v", n.Body)
	case <-time.After(50 * time.Millisecond):
	}

	remove()
	require.NoError(t, p.Server.Emit(ctx, testPath, testIface, "Ping", "three"))
	<-w.Chan()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestUnknownSignalHandler(t *testing.T) {
	unknown := make(chan *dbus.Message, 1)
	p := dbustest.NewPair(t, dbus.WithUnknownSignalHandler(func(m *dbus.Message) {
		unknown <- m
	}))
	require.NoError(t, p.Server.Emit(context.Background(), "/", testIface, "Stray"))
	select {
	case m := <-unknown:
		assert.Equal(t, "Stray", m.Member)
	case <-time.After(5 * time.Second):
		t.Fatal("unmatched signal not passed to the unknown signal handler")
	}
}

func TestWatcherOverflow(t *testing.T) {
	p := dbustest.NewPair(t, dbus.WithWatcherQueue(2))
	ctx := context.Background()

	w := p.Client.Watch()
	defer w.Close()
	_, err := w.Match(dbus.MatchSignals().Member("Ping"))
	require.NoError(t, err)

	// Wait for the handler to see every signal, without reading from
	// the watcher.
	seen := make(chan struct{}, 10)
	_, err = p.Client.AddSignalHandler(ctx, dbus.MatchSignals().Member("Ping"), func(*dbus.Message) { seen <- struct{}{} })
	require.NoError(t, err)
	for i := range 10 {
		require.NoError(t, p.Server.Emit(ctx, "/", testIface, "Ping", int32(i)))
	}
	for range 10 {
		<-seen
	}

	var ns []*dbus.Notification
recv:
	for len(ns) < 3 {
		select {
		case n := <-w.Chan():
			ns = append(ns, n)
		case <-time.After(100 * time.Millisecond):
			break recv
		}
	}
	require.NotEmpty(t, ns)
	assert.LessOrEqual(t, len(ns), 3)
	assert.True(t, slices.ContainsFunc(ns, func(n *dbus.Notification) bool { return n.Overflow }), "no notification reported the overflow")
}

func TestLocalCloseWhileReading(t *testing.T) {
	p := dbustest.NewPair(t)
	// Let both read loops block in the socket read.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Client.Close())
	assert.NoError(t, p.Client.Err())

	select {
	case <-p.Server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not notice the client going away")
	}
	assert.True(t, dbus.IsFatal(p.Server.Err()))
}
