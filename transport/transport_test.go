package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"testing/iotest"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/dbus/sasl"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want []Address
	}{
		{
			"unix:path=/run/dbus/system_bus_socket",
			[]Address{{Kind: "unix", Params: map[string]string{"path": "/run/dbus/system_bus_socket"}}},
		},
		{
			"unix:abstract=/tmp/dbus-XyZ,guid=0123;tcp:host=127.0.0.1,port=4242,family=ipv4",
			[]Address{
				{Kind: "unix", Params: map[string]string{"abstract": "/tmp/dbus-XyZ", "guid": "0123"}},
				{Kind: "tcp", Params: map[string]string{"host": "127.0.0.1", "port": "4242", "family": "ipv4"}},
			},
		},
		{
			"unix:path=/tmp/with%20space%2c,listen=true",
			[]Address{{Kind: "unix", Params: map[string]string{"path": "/tmp/with space,", "listen": "true"}}},
		},
		{
			"tcp:;",
			[]Address{{Kind: "tcp", Params: map[string]string{}}},
		},
	}
	for _, tc := range tests {
		got, err := ParseAddress(tc.in)
		if err != nil {
			t.Errorf("ParseAddress(%q) got err: %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("ParseAddress(%q) wrong result (-got+want):\n%s", tc.in, diff)
		}
	}

	for _, bad := range []string{"", ";", "nokind", ":path=/x", "unix:path", "unix:path=%4", "unix:path=%zz", "unix:path=a,path=b"} {
		if _, err := ParseAddress(bad); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ParseAddress(%q) got err %v, want ErrInvalidAddress", bad, err)
		}
	}
}

func TestAddressString(t *testing.T) {
	a := Address{Kind: "unix", Params: map[string]string{"path": "/tmp/a b", "guid": "abc"}}
	assert.Equal(t, "unix:guid=abc,path=/tmp/a%20b", a.String())

	back, err := ParseAddress(a.String())
	require.NoError(t, err)
	assert.Equal(t, []Address{a}, back)

	assert.True(t, Address{Kind: "unix", Params: map[string]string{"listen": "true"}}.Listen())
}

// frame returns a minimal little endian message frame with the given
// header field array length and body.
func frame(fieldsLen int, body []byte) []byte {
	ret := []byte{'l', 1, 0, 1}
	ret = binary.LittleEndian.AppendUint32(ret, uint32(len(body)))
	ret = binary.LittleEndian.AppendUint32(ret, 1)
	ret = binary.LittleEndian.AppendUint32(ret, uint32(fieldsLen))
	ret = append(ret, make([]byte, (fieldsLen+7)&^7)...)
	return append(ret, body...)
}

func TestFrameReader(t *testing.T) {
	f1 := frame(0, []byte{1, 2, 3, 4})
	f2 := frame(5, []byte("hello world"))
	stream := append(append([]byte{}, f1...), f2...)

	for _, tc := range []struct {
		name string
		r    io.Reader
	}{
		{"whole", bytes.NewReader(stream)},
		{"one byte", iotest.OneByteReader(bytes.NewReader(stream))},
		{"half", iotest.HalfReader(bytes.NewReader(stream))},
		{"data err", iotest.DataErrReader(bytes.NewReader(stream))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fr := NewFrameReader(tc.r)
			got, err := fr.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, f1, got)
			got, err = fr.ReadFrame()
			require.NoError(t, err)
			assert.Equal(t, f2, got)
			_, err = fr.ReadFrame()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestFrameReaderTruncated(t *testing.T) {
	f := frame(0, []byte{1, 2, 3, 4})
	for _, n := range []int{1, 15, 16, 19} {
		fr := NewFrameReader(bytes.NewReader(f[:n]))
		_, err := fr.ReadFrame()
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadFrame of %d bytes got err %v, want ErrUnexpectedEOF", n, err)
		}
	}
}

// stallReader returns (0, nil) every other call.
type stallReader struct {
	r     io.Reader
	stall bool
}

func (s *stallReader) Read(bs []byte) (int, error) {
	s.stall = !s.stall
	if s.stall {
		return 0, nil
	}
	return s.r.Read(bs[:min(len(bs), 3)])
}

func TestFrameReaderResume(t *testing.T) {
	f := frame(3, []byte("body"))
	fr := NewFrameReader(&stallReader{r: bytes.NewReader(f)})
	stalls := 0
	for {
		got, err := fr.ReadFrame()
		if errors.Is(err, ErrNoMessage) {
			stalls++
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, f, got)
		break
	}
	assert.Greater(t, stalls, 1)
	assert.Equal(t, 0, fr.Buffered())
}

func TestFrameReaderFramingErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"bad order", append([]byte{'x'}, frame(0, nil)[1:]...)},
		{"bad version", func() []byte {
			f := frame(0, nil)
			f[3] = 2
			return f
		}()},
		{"too big", func() []byte {
			f := frame(0, nil)
			binary.LittleEndian.PutUint32(f[4:8], MaxMessageSize)
			return f
		}()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fr := NewFrameReader(bytes.NewReader(tc.in))
			_, err := fr.ReadFrame()
			var fe *FramingError
			assert.ErrorAs(t, err, &fe)
		})
	}
}

func listenPair(t *testing.T, addr string, lopts ListenOptions, dopts DialOptions) (client, server Transport) {
	t.Helper()
	as, err := ParseAddress(addr)
	require.NoError(t, err)
	l, err := Listen(as[0], lopts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type accepted struct {
		t   Transport
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		t, err := l.Accept(ctx)
		ch <- accepted{t, err}
	}()
	client, err = Dial(ctx, l.Addr(), dopts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	a := <-ch
	require.NoError(t, a.err)
	t.Cleanup(func() { a.t.Close() })
	assert.Equal(t, l.GUID(), client.GUID())
	return client, a.t
}

func TestUnixExternal(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are only read on linux")
	}
	dir := t.TempDir()
	client, server := listenPair(t, "unix:dir="+dir, ListenOptions{}, DialOptions{
		Mechanisms: []sasl.ClientMechanism{sasl.External{UID: os.Getuid()}},
	})
	assert.True(t, client.SupportsFDs())
	assert.True(t, server.SupportsFDs())
	uid, ok := server.PeerUID()
	assert.True(t, ok)
	assert.Equal(t, uint32(os.Getuid()), uid)

	want := frame(0, []byte{9, 8, 7, 6})
	require.NoError(t, client.WriteMessage(&Frame{Data: want}))
	got, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, want, got.Data)
	assert.Empty(t, got.Files)

	client.Close()
	_, err = server.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnixFilePassing(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are only read on linux")
	}
	client, server := listenPair(t, "unix:path="+filepath.Join(t.TempDir(), "sock"), ListenOptions{}, DialOptions{})

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	want := frame(0, []byte{0, 0, 0, 0})
	require.NoError(t, client.WriteMessage(&Frame{Data: want, Files: []*os.File{pw}}))
	got, err := server.ReadMessage()
	require.NoError(t, err)
	defer got.Close()
	assert.Equal(t, want, got.Data)
	require.Len(t, got.Files, 1)

	_, err = got.Files[0].Write([]byte("via fd"))
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(pr, buf)
	require.NoError(t, err)
	assert.Equal(t, "via fd", string(buf))
}

func TestTCPAnonymous(t *testing.T) {
	client, server := listenPair(t, "tcp:host=127.0.0.1", ListenOptions{
		Mechanisms: []sasl.ServerMechanism{sasl.AnonymousServer{}},
	}, DialOptions{})
	assert.False(t, client.SupportsFDs())
	_, ok := server.PeerUID()
	assert.False(t, ok)

	err := client.WriteMessage(&Frame{Data: frame(0, nil), Files: []*os.File{os.Stdin}})
	assert.Error(t, err, "files sent over tcp")

	want := frame(0, []byte("tcp!"))
	require.NoError(t, server.WriteMessage(&Frame{Data: want}))
	got, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, want, got.Data)
}

func TestSocketFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	as, err := ParseAddress("unix:path=" + path)
	require.NoError(t, err)
	l, err := Listen(as[0], ListenOptions{SocketFile: &SocketFile{Mode: 0o600}})
	require.NoError(t, err)
	defer l.Close()

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestSelectProvider(t *testing.T) {
	p, err := selectProvider(nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "stream", p.Name(), "non-unix conn must fall back to the stream provider")

	_, err = selectProvider([]Provider{UnixRightsProvider{}}, nil, true)
	assert.Error(t, err)
}

func TestSocketFileOwner(t *testing.T) {
	tests := []struct {
		sf       SocketFile
		uid, gid int
		ok       bool
	}{
		{SocketFile{Mode: 0o660}, 0, 0, false},
		{SocketFile{UID: value.Just(0)}, 0, -1, true},
		{SocketFile{GID: value.Just(100)}, -1, 100, true},
		{SocketFile{UID: value.Just(1), GID: value.Just(2), Mode: 0o600}, 1, 2, true},
	}
	for _, tc := range tests {
		uid, gid, ok := tc.sf.owner()
		if uid != tc.uid || gid != tc.gid || ok != tc.ok {
			t.Errorf("%+v.owner() = %d, %d, %v, want %d, %d, %v", tc.sf, uid, gid, ok, tc.uid, tc.gid, tc.ok)
		}
	}
}

func TestFrameReaderBadCount(t *testing.T) {
	for _, n := range []int{-1, 1 << 20} {
		fr := NewFrameReader(countReader(n))
		_, err := fr.ReadFrame()
		var fe *FramingError
		assert.ErrorAs(t, err, &fe, "reader returning %d", n)
	}
}

// countReader claims to have read its value, without touching the
// buffer.
type countReader int

func (n countReader) Read([]byte) (int, error) { return int(n), nil }

func TestUnixCloseWhileReading(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are only read on linux")
	}
	client, _ := listenPair(t, "unix:path="+filepath.Join(t.TempDir(), "sock"), ListenOptions{}, DialOptions{})
	require.True(t, client.SupportsFDs())

	errc := make(chan error, 1)
	go func() {
		_, err := client.ReadMessage()
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadMessage did not return after Close")
	}
}

func TestUnixPeerHangup(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are only read on linux")
	}
	client, server := listenPair(t, "unix:path="+filepath.Join(t.TempDir(), "sock"), ListenOptions{}, DialOptions{})
	require.NoError(t, server.Close())
	_, err := client.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

// fdStream is a stalling Stream that receives a file along with the
// first bytes of data.
type fdStream struct {
	stallReader
	file    *os.File
	pending []*os.File
}

func (s *fdStream) Read(bs []byte) (int, error) {
	n, err := s.stallReader.Read(bs)
	if n > 0 && s.file != nil {
		s.pending = append(s.pending, s.file)
		s.file = nil
	}
	return n, err
}

func (s *fdStream) TakeFiles() []*os.File {
	ret := s.pending
	s.pending = nil
	return ret
}

func (s *fdStream) WriteFrame(*Frame) error { return nil }
func (s *fdStream) SupportsFDs() bool       { return true }
func (s *fdStream) Close() error            { return nil }

func TestPartialFrameKeepsFiles(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()

	f := frame(0, []byte("with a file"))
	s := &fdStream{stallReader: stallReader{r: bytes.NewReader(f)}, file: pw}
	c := &conn{stream: s, frames: NewFrameReader(s), peerUID: -1}

	stalls := 0
	for {
		got, err := c.ReadMessage()
		if errors.Is(err, ErrNoMessage) {
			stalls++
			continue
		}
		require.NoError(t, err)
		defer got.Close()
		assert.Equal(t, f, got.Data)
		require.Len(t, got.Files, 1)
		_, err = got.Files[0].Write([]byte("x"))
		assert.NoError(t, err, "file was closed while the frame was incomplete")
		break
	}
	assert.Greater(t, stalls, 1)
}
