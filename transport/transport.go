// Package transport provides authenticated DBus connections over
// unix and TCP sockets.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/corebus/dbus/sasl"
)

// Transport is an authenticated connection carrying DBus messages.
type Transport interface {
	// ReadMessage returns the next message received. It must not be
	// called concurrently with itself.
	ReadMessage() (*Frame, error)
	// WriteMessage sends a message. It is safe for concurrent use.
	WriteMessage(*Frame) error
	// SupportsFDs reports whether files can be sent and received.
	SupportsFDs() bool
	// GUID is the server's GUID.
	GUID() string
	// PeerUID is the uid of the process at the other end of the
	// connection, if the socket can tell.
	PeerUID() (uint32, bool)
	Close() error
}

// Stream carries the bytes and files of messages for a Transport.
type Stream interface {
	io.Reader
	// WriteFrame writes all of f's data and files.
	WriteFrame(f *Frame) error
	// TakeFiles returns the files received since the last call.
	TakeFiles() []*os.File
	SupportsFDs() bool
	Close() error
}

// Provider creates Streams for authenticated sockets.
type Provider interface {
	Name() string
	// Available reports whether the provider can serve c. fds reports
	// whether fd passing was negotiated during authentication.
	Available(c net.Conn, fds bool) bool
	New(c net.Conn) Stream
}

// DefaultProviders is the provider order used when none is
// configured.
var DefaultProviders = []Provider{UnixRightsProvider{}, StreamProvider{}}

func selectProvider(providers []Provider, c net.Conn, fds bool) (Provider, error) {
	if len(providers) == 0 {
		providers = DefaultProviders
	}
	for _, p := range providers {
		if p.Available(c, fds) {
			return p, nil
		}
	}
	return nil, errors.New("no usable transport provider")
}

// StreamProvider moves plain bytes, without fd passing. It works on
// any connection.
type StreamProvider struct{}

func (StreamProvider) Name() string                 { return "stream" }
func (StreamProvider) Available(net.Conn, bool) bool { return true }
func (StreamProvider) New(c net.Conn) Stream         { return &plainStream{c} }

type plainStream struct {
	net.Conn
}

func (s *plainStream) WriteFrame(f *Frame) error {
	if len(f.Files) > 0 {
		return errors.New("connection does not support file descriptor passing")
	}
	_, err := s.Write(f.Data)
	return err
}

func (s *plainStream) TakeFiles() []*os.File { return nil }
func (s *plainStream) SupportsFDs() bool     { return false }

// conn is a Transport on top of a Stream.
type conn struct {
	sock    net.Conn
	stream  Stream
	frames  *FrameReader
	guid    string
	peerUID int

	writeMu sync.Mutex
}

func newConn(sock net.Conn, res sasl.Result, peerUID int, providers []Provider) (*conn, error) {
	p, err := selectProvider(providers, sock, res.FDs)
	if err != nil {
		return nil, err
	}
	s := p.New(sock)
	return &conn{
		sock:    sock,
		stream:  s,
		frames:  NewFrameReader(s),
		guid:    res.GUID,
		peerUID: peerUID,
	}, nil
}

func (c *conn) ReadMessage() (*Frame, error) {
	data, err := c.frames.ReadFrame()
	if errors.Is(err, ErrNoMessage) {
		// Files received so far belong to the partial frame.
		return nil, err
	}
	files := c.stream.TakeFiles()
	if err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, err
	}
	return &Frame{Data: data, Files: files}, nil
}

func (c *conn) WriteMessage(f *Frame) error {
	if len(f.Data) > MaxMessageSize {
		return fmt.Errorf("message length %d exceeds maximum %d", len(f.Data), MaxMessageSize)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream.WriteFrame(f)
}

func (c *conn) SupportsFDs() bool { return c.stream.SupportsFDs() }
func (c *conn) GUID() string      { return c.guid }

func (c *conn) PeerUID() (uint32, bool) {
	if c.peerUID < 0 {
		return 0, false
	}
	return uint32(c.peerUID), true
}

func (c *conn) Close() error {
	return c.stream.Close()
}
