package dbus

import (
	"context"
	"errors"
	"os"
)

type senderContextKey struct{}

func withContextSender(ctx context.Context, iface Interface) context.Context {
	return context.WithValue(ctx, senderContextKey{}, iface)
}

// ContextSender returns the interface that sent the method call
// being handled, in the context passed to a method handler.
func ContextSender(ctx context.Context) (Interface, bool) {
	v := ctx.Value(senderContextKey{})
	if v == nil {
		return Interface{}, false
	}
	if ret, ok := v.(Interface); ok {
		return ret, true
	}
	return Interface{}, false
}

type messageContextKey struct{}

func withContextMessage(ctx context.Context, m *Message) context.Context {
	return context.WithValue(ctx, messageContextKey{}, m)
}

// ContextMessage returns the method call message being handled, in
// the context passed to a method handler.
func ContextMessage(ctx context.Context) (*Message, bool) {
	m, ok := ctx.Value(messageContextKey{}).(*Message)
	return m, ok
}

type callFlagsContextKey struct{}

// WithCallFlags returns a context that adds flags to the method
// calls made with it. Only FlagNoAutoStart and
// FlagAllowInteractiveAuthorization are used.
func WithCallFlags(ctx context.Context, flags Flags) context.Context {
	flags &= FlagNoAutoStart | FlagAllowInteractiveAuthorization
	return context.WithValue(ctx, callFlagsContextKey{}, contextCallFlags(ctx)|flags)
}

func contextCallFlags(ctx context.Context) Flags {
	f, _ := ctx.Value(callFlagsContextKey{}).(Flags)
	return f
}

type filesContextKey struct{}

func withContextFiles(ctx context.Context, files []*os.File) context.Context {
	return context.WithValue(ctx, filesContextKey{}, files)
}

func contextFile(ctx context.Context, idx uint32) *os.File {
	v := ctx.Value(filesContextKey{})
	if v == nil {
		return nil
	}
	fs, ok := v.([]*os.File)
	if !ok {
		return nil
	}
	if int(idx) >= len(fs) {
		return nil
	}
	return fs[int(idx)]
}

type writeFilesContextKey struct{}

func withContextPutFiles(ctx context.Context, files *[]*os.File) context.Context {
	return context.WithValue(ctx, writeFilesContextKey{}, files)
}

func contextPutFile(ctx context.Context, file *os.File) (idx uint32, err error) {
	v := ctx.Value(writeFilesContextKey{})
	if v == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}
	fsp, ok := v.(*[]*os.File)
	if !ok || fsp == nil {
		return 0, errors.New("cannot send file descriptor: invalid context")
	}

	*fsp = append(*fsp, file)
	return uint32(len(*fsp) - 1), nil
}
