package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// fixedHeaderLen is the length of the fixed part of a message
	// header, including the length of the header fields array.
	fixedHeaderLen = 16
	// MaxMessageSize is the largest message DBus allows.
	MaxMessageSize = 128 << 20
)

// ErrNoMessage is returned by [FrameReader.ReadFrame] when the
// underlying reader returned no data and no error. The partially
// read frame is kept, and the next call resumes reading it.
var ErrNoMessage = errors.New("no message available")

// Frame is one complete DBus message in wire format, along with the
// files that were received or are to be sent with it.
type Frame struct {
	Data  []byte
	Files []*os.File
}

// Close closes the frame's files.
func (f *Frame) Close() {
	for _, fd := range f.Files {
		fd.Close()
	}
	f.Files = nil
}

// FramingError is returned when the stream does not contain a valid
// message frame. The stream cannot be resynchronized after a framing
// error.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "dbus framing error: " + e.Reason
}

// FrameReader splits a byte stream into message frames.
//
// It never reads past the end of the frame being assembled, so
// ancillary data received along with the bytes of a frame belongs to
// that frame.
type FrameReader struct {
	r io.Reader
	// buf holds the bytes of the frame read so far.
	buf []byte
	// want is the total length of the current frame, or 0 if the
	// fixed header has not been read yet.
	want int
}

// NewFrameReader returns a FrameReader reading from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:   r,
		buf: make([]byte, 0, 512),
	}
}

// Buffered reports the number of bytes of an incomplete frame that
// have been read.
func (fr *FrameReader) Buffered() int { return len(fr.buf) }

// ReadFrame returns the bytes of the next message.
//
// ReadFrame returns [io.EOF] if the stream ends cleanly between
// frames, and [io.ErrUnexpectedEOF] if it ends within a frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		target := fixedHeaderLen
		if fr.want != 0 {
			target = fr.want
		}
		if len(fr.buf) < target {
			if err := fr.fill(target); err != nil {
				return nil, err
			}
			continue
		}
		if fr.want == 0 {
			n, err := frameLen(fr.buf[:fixedHeaderLen])
			if err != nil {
				return nil, err
			}
			fr.want = n
			if cap(fr.buf) < n {
				nb := make([]byte, len(fr.buf), n)
				copy(nb, fr.buf)
				fr.buf = nb
			}
			continue
		}
		ret := fr.buf
		fr.buf = make([]byte, 0, 512)
		fr.want = 0
		return ret, nil
	}
}

// fill reads at most target-len(buf) bytes.
func (fr *FrameReader) fill(target int) error {
	if cap(fr.buf) < target {
		nb := make([]byte, len(fr.buf), target)
		copy(nb, fr.buf)
		fr.buf = nb
	}
	n, err := fr.r.Read(fr.buf[len(fr.buf):target])
	if n < 0 || len(fr.buf)+n > target {
		return &FramingError{Reason: fmt.Sprintf("reader returned invalid count %d", n)}
	}
	fr.buf = fr.buf[:len(fr.buf)+n]
	switch {
	case n > 0:
		// Process what we got before looking at err, the next Read
		// will report it again.
		return nil
	case errors.Is(err, io.EOF):
		if len(fr.buf) == 0 {
			return io.EOF
		}
		return io.ErrUnexpectedEOF
	case err != nil:
		return err
	default:
		return ErrNoMessage
	}
}

// frameLen returns the total length of the message whose fixed
// header is hdr.
func frameLen(hdr []byte) (int, error) {
	var ord binary.ByteOrder
	switch hdr[0] {
	case 'l':
		ord = binary.LittleEndian
	case 'B':
		ord = binary.BigEndian
	default:
		return 0, &FramingError{fmt.Sprintf("invalid byte order flag %q", hdr[0])}
	}
	if hdr[3] != 1 {
		return 0, &FramingError{fmt.Sprintf("unsupported protocol version %d", hdr[3])}
	}
	bodyLen := uint64(ord.Uint32(hdr[4:8]))
	fieldsLen := uint64(ord.Uint32(hdr[12:16]))
	total := fixedHeaderLen + (fieldsLen+7)&^7 + bodyLen
	if total > MaxMessageSize {
		return 0, &FramingError{fmt.Sprintf("message length %d exceeds maximum %d", total, MaxMessageSize)}
	}
	return int(total), nil
}
