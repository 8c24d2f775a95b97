package dbus

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/corebus/dbus/fragments"
)

// File is a file to be sent or received over the bus.
//
// Files can only be exchanged over transports that negotiated unix
// file descriptor passing.
type File struct {
	*os.File
}

var fdSignature = mkSignature("h")

func (f File) SignatureDBus() Signature { return fdSignature }

func (f File) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if f.File == nil {
		return errors.New("cannot marshal File: File.File is nil")
	}
	idx, err := contextPutFile(ctx, f.File)
	if err != nil {
		return err
	}
	e.Uint32(idx)
	return nil
}

func (f *File) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	idx, err := d.Uint32()
	if err != nil {
		return err
	}
	file := contextFile(ctx, idx)
	if file == nil {
		return fmt.Errorf("%w: file descriptor index %d not attached to message", fragments.ErrMalformed, idx)
	}
	f.File = file
	return nil
}
