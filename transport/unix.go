package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// UnixRightsProvider passes files as SCM_RIGHTS ancillary data. It
// requires a unix socket on which fd passing was negotiated.
type UnixRightsProvider struct{}

func (UnixRightsProvider) Name() string { return "unix-rights" }

func (UnixRightsProvider) Available(c net.Conn, fds bool) bool {
	_, ok := c.(*net.UnixConn)
	return ok && fds
}

func (UnixRightsProvider) New(c net.Conn) Stream {
	return &unixStream{
		conn: c.(*net.UnixConn),
		fds:  queue.New[*os.File](),
	}
}

// unixStream is a Stream over a Unix domain socket.
type unixStream struct {
	conn *net.UnixConn
	oob  [512]byte

	mu  sync.Mutex
	fds *queue.Queue[*os.File]
}

func (u *unixStream) Read(bs []byte) (int, error) {
	n, oobn, flags, _, err := u.conn.ReadMsgUnix(bs, u.oob[:])
	if oobn > 0 {
		if oobErr := u.parseFDs(u.oob[:oobn]); oobErr != nil {
			return 0, oobErr
		}
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return 0, errors.New("control message truncated")
	}
	if err != nil {
		// ReadMsgUnix reports -1 bytes on error.
		return 0, err
	}
	if n == 0 && len(bs) > 0 {
		// recvmsg does not translate an orderly shutdown into io.EOF.
		return 0, io.EOF
	}
	return n, nil
}

func (u *unixStream) SupportsFDs() bool { return true }

func (u *unixStream) Close() error {
	u.mu.Lock()
	u.fds.Each(func(f *os.File) bool {
		f.Close()
		return true
	})
	u.fds.Clear()
	u.mu.Unlock()
	return u.conn.Close()
}

func (u *unixStream) WriteFrame(f *Frame) error {
	if len(f.Files) == 0 {
		_, err := u.conn.Write(f.Data)
		return err
	}

	fds := make([]int, 0, len(f.Files))
	for _, f := range f.Files {
		fds = append(fds, int(f.Fd()))
	}
	scm := unix.UnixRights(fds...)
	n, oobn, err := u.conn.WriteMsgUnix(f.Data, scm, nil)
	if err != nil {
		return err
	}
	if oobn != len(scm) {
		return io.ErrShortWrite
	}
	if n < len(f.Data) {
		// The files went out with the first chunk, the rest is plain.
		_, err = u.conn.Write(f.Data[n:])
	}
	return err
}

func (u *unixStream) TakeFiles() []*os.File {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fds.Len() == 0 {
		return nil
	}
	ret := make([]*os.File, 0, u.fds.Len())
	for {
		f, ok := u.fds.Pop()
		if !ok {
			return ret
		}
		ret = append(ret, f)
	}
}

func (u *unixStream) parseFDs(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	// Keep going after errors, so that every received fd ends up in
	// the queue where Close can release it.
	var errs []error
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing unix rights: %w", err))
			continue
		}
		for _, fd := range fds {
			f := os.NewFile(uintptr(fd), "")
			if f == nil {
				errs = append(errs, fmt.Errorf("invalid file descriptor %d received on dbus socket", fd))
			} else {
				u.fds.Add(f)
			}
		}
	}
	return errors.Join(errs...)
}
