// Package dbustest provides test harnesses: a connected pair of
// peer-to-peer connections, and an isolated dbus-daemon instance.
package dbustest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corebus/dbus"
)

// busConfig is a minimal session bus configuration that lets any
// local user connect and own any name.
const busConfig = `<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-Bus Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <type>session</type>
  <!-- Overridden by --address, but dbus-daemon requires one. -->
  <listen>unix:tmpdir=/tmp</listen>
  <keep_umask/>
  <auth>EXTERNAL</auth>
  <policy context="default">
    <allow send_destination="*" eavesdrop="true"/>
    <allow eavesdrop="true"/>
    <allow own="*"/>
  </policy>
</busconfig>
`

// Logger returns a logrus logger that writes to t.Log at debug
// level.
func Logger(t testing.TB) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(testWriter{t})
	l.SetLevel(logrus.DebugLevel)
	return l.WithField("test", t.Name())
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(bs []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(bs, "\n")))
	return len(bs), nil
}

// Pair is a client and server connected to each other directly,
// without a bus.
type Pair struct {
	Client *dbus.Conn
	Server *dbus.Conn
	// Addr is the address the server listened on.
	Addr string
}

// NewPair returns a connected client and server over a unix socket
// in a temporary directory. Both ends are closed when the test ends.
//
// opts apply to both ends. If no logger is given, both log to t.
func NewPair(t testing.TB, opts ...dbus.Option) *Pair {
	t.Helper()
	opts = append([]dbus.Option{dbus.WithLogger(Logger(t))}, opts...)

	addr := "unix:path=" + filepath.Join(t.TempDir(), "peer.sock")
	l, err := dbus.Listen(addr, opts...)
	if err != nil {
		t.Fatalf("listening on %s: %v", addr, err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type accepted struct {
		c   *dbus.Conn
		err error
	}
	srv := make(chan accepted, 1)
	go func() {
		c, err := l.Accept(ctx)
		srv <- accepted{c, err}
	}()

	client, err := dbus.DialPeer(ctx, l.Addr(), opts...)
	if err != nil {
		t.Fatalf("dialing %s: %v", l.Addr(), err)
	}
	t.Cleanup(func() { client.Close() })

	a := <-srv
	if a.err != nil {
		t.Fatalf("accepting client: %v", a.err)
	}
	t.Cleanup(func() { a.c.Close() })

	return &Pair{Client: client, Server: a.c, Addr: l.Addr()}
}

// Available reports whether the required binaries are available for
// testing against a real DBus server.
func Available() bool {
	_, err := exec.LookPath("dbus-daemon")
	if err != nil {
		return false
	}
	_, err = exec.LookPath("dbus-monitor")
	return err == nil
}

// Bus is an isolated DBus instance for tests.
type Bus struct {
	bus  *exec.Cmd
	mon  *exec.Cmd
	lw   *logWriter
	sock string

	stop       chan struct{}
	busStopped chan struct{}
	busErr     error // set before busStopped is closed
	monStopped chan struct{}
	monErr     error
}

// New launches a DBus instance dedicated to the calling test.
//
// If [Available] is false, New calls t.Skip to skip the calling test.
//
// If logMonitor is true, the returned bus logs all bus messages using
// t.Logf.
func New(t *testing.T, logMonitor bool) *Bus {
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	tmp := t.TempDir()

	cfgPath := filepath.Join(tmp, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(busConfig), 0600); err != nil {
		t.Fatal(err)
	}

	ret := &Bus{
		sock:       filepath.Join(tmp, "bus.sock"),
		stop:       make(chan struct{}),
		busStopped: make(chan struct{}),
		monStopped: make(chan struct{}),
	}

	ret.bus = exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog", "--address="+ret.Address())
	ret.bus.Stdout = os.Stdout
	ret.bus.Stderr = os.Stderr
	if err := ret.bus.Start(); err != nil {
		t.Fatalf("starting bus: %v", err)
	}
	t.Cleanup(func() { ret.close(t) })
	go ret.supervise(t, "dbus-daemon", ret.bus, ret.busStopped, &ret.busErr, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ret.waitForSocket(ctx); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logMonitor {
		ret.lw = newLogWriter(t)
		ret.mon = exec.Command("dbus-monitor", "--address", ret.Address())
		ret.mon.Stdout = ret.lw
		ret.mon.Stderr = ret.lw
		if err := ret.mon.Start(); err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
		go ret.supervise(t, "dbus-monitor", ret.mon, ret.monStopped, &ret.monErr, ret.lw.Flush)
		if err := ret.lw.WaitForFirstLine(ctx); err != nil {
			t.Fatalf("waiting for monitor: %v", err)
		}
	} else {
		close(ret.monStopped)
	}

	return ret
}

// supervise waits for cmd to exit. An exit before the bus is stopped
// fails the test. The exit error is stored in *errp before stopped is
// closed.
func (b *Bus) supervise(t *testing.T, name string, cmd *exec.Cmd, stopped chan struct{}, errp *error, after func()) {
	defer close(stopped)
	*errp = cmd.Wait()
	if after != nil {
		after()
	}
	select {
	case <-b.stop:
	default:
		if *errp == nil {
			*errp = errors.New("exited with status 0")
		}
		t.Errorf("%s stopped prematurely: %v", name, *errp)
	}
}

// waitForSocket waits until the bus socket exists, or the daemon
// exits.
func (b *Bus) waitForSocket(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		_, err := os.Stat(b.sock)
		if err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		select {
		case <-b.busStopped:
			return fmt.Errorf("dbus-daemon exited: %w", b.busErr)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (b *Bus) close(t *testing.T) {
	close(b.stop)
	b.bus.Process.Kill()
	if b.mon != nil {
		b.mon.Process.Kill()
	}
	timeout := time.After(10 * time.Second)
	select {
	case <-b.busStopped:
	case <-timeout:
		t.Log("timed out waiting for bus to stop")
	}
	select {
	case <-b.monStopped:
	case <-timeout:
		t.Log("timed out waiting for dbus-monitor to stop")
	}
}

// Address returns the bus address.
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// MustConn returns a connection to the bus. It causes an immediate
// test failure with t.Fatal if it is unable to connect.
func (b *Bus) MustConn(t *testing.T, opts ...dbus.Option) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts = append([]dbus.Option{dbus.WithLogger(Logger(t))}, opts...)
	ret, err := dbus.Dial(ctx, b.Address(), opts...)
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

type logWriter struct {
	output chan struct{}
	t      *testing.T
	buf    bytes.Buffer
}

func newLogWriter(t *testing.T) *logWriter {
	return &logWriter{
		output: make(chan struct{}, 1),
		t:      t,
	}
}

func (l *logWriter) out(s string) {
	l.t.Log(s)
}

func (l *logWriter) Flush() {
	l.flushComplete()
	l.out(l.buf.String())
	l.buf.Reset()
}

func (l *logWriter) Write(bs []byte) (int, error) {
	l.buf.Write(bs)
	l.flushComplete()
	return len(bs), nil
}

// flushComplete logs every complete message in buf. dbus-monitor
// starts each message on a line beginning with its type.
func (l *logWriter) flushComplete() {
	bs := l.buf.Bytes()
	total := 0
	for {
		i := bytes.IndexByte(bs, '\n')
		if i == -1 {
			return
		}
		total += i
		bs = bs[i+1:]
		if !bytes.HasPrefix(bs, []byte("method ")) && !bytes.HasPrefix(bs, []byte("signal ")) && !bytes.HasPrefix(bs, []byte("error ")) {
			total++
			continue
		}

		out := l.buf.Next(total)
		l.out(string(out))
		l.buf.Next(1)
		select {
		case l.output <- struct{}{}:
		default:
		}
		total = 0
		bs = l.buf.Bytes()
	}
}

func (l *logWriter) WaitForFirstLine(ctx context.Context) error {
	select {
	case <-l.output:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
