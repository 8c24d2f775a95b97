package dbus

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/dbus/transport"
)

// emptyTransport never has a message to read.
type emptyTransport struct{ reads int }

func (e *emptyTransport) ReadMessage() (*transport.Frame, error) {
	e.reads++
	return nil, transport.ErrNoMessage
}

func (e *emptyTransport) WriteMessage(*transport.Frame) error { return nil }
func (e *emptyTransport) SupportsFDs() bool                   { return false }
func (e *emptyTransport) GUID() string                        { return "" }
func (e *emptyTransport) PeerUID() (uint32, bool)             { return 0, false }
func (e *emptyTransport) Close() error                        { return nil }

func TestReadLoopGivesUpOnEmptyReads(t *testing.T) {
	et := &emptyTransport{}
	c := newConn(newOptions(nil), false)
	require.NoError(t, c.start(context.Background(), et))

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		c.Close()
		t.Fatal("read loop kept spinning on a transport that returns no data")
	}
	assert.ErrorIs(t, c.Err(), io.ErrNoProgress)
	assert.True(t, IsFatal(c.Err()))
	assert.Equal(t, maxEmptyReads, et.reads)
}
