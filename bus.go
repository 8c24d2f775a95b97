package dbus

import (
	"context"
	"errors"
	"fmt"
)

// NameRequestFlags are the flags of a RequestName call.
type NameRequestFlags byte

const (
	NameRequestAllowReplacement NameRequestFlags = 1 << iota
	NameRequestReplace
	NameRequestNoQueue
)

// NameReply is the outcome of a RequestName call.
type NameReply uint32

const (
	NamePrimaryOwner NameReply = iota + 1
	NameInQueue
	NameExists
	NameAlreadyOwner
)

func (r NameReply) String() string {
	switch r {
	case NamePrimaryOwner:
		return "primary owner"
	case NameInQueue:
		return "in queue"
	case NameExists:
		return "exists"
	case NameAlreadyOwner:
		return "already owner"
	default:
		return fmt.Sprintf("NameReply(%d)", uint32(r))
	}
}

var errNotBus = errors.New("not a message bus connection")

func (c *Conn) busCheck(ctx context.Context) error {
	if !c.isBus {
		return errNotBus
	}
	return ctx.Err()
}

// RequestName asks the bus to assign name to this connection.
func (c *Conn) RequestName(ctx context.Context, name string, flags NameRequestFlags) (NameReply, error) {
	if err := c.busCheck(ctx); err != nil {
		return 0, err
	}
	if err := ValidateBusName(name); err != nil {
		return 0, err
	}
	resp, err := Call[uint32](ctx, c.bus, "RequestName", struct {
		Name  string
		Flags uint32
	}{name, uint32(flags)})
	if err != nil {
		return 0, err
	}
	switch r := NameReply(resp); r {
	case NamePrimaryOwner, NameInQueue, NameExists, NameAlreadyOwner:
		return r, nil
	default:
		return 0, fmt.Errorf("unknown response code %d to RequestName", resp)
	}
}

// ReleaseName gives up a name owned or queued for by this
// connection. The reply is 1 (released), 2 (non-existent) or 3 (not
// owner).
func (c *Conn) ReleaseName(ctx context.Context, name string) (uint32, error) {
	if err := c.busCheck(ctx); err != nil {
		return 0, err
	}
	return Call[uint32](ctx, c.bus, "ReleaseName", name)
}

func (c *Conn) ListQueuedOwners(ctx context.Context, name string) ([]string, error) {
	if err := c.busCheck(ctx); err != nil {
		return nil, err
	}
	return Call[[]string](ctx, c.bus, "ListQueuedOwners", name)
}

// ListNames returns all the names currently on the bus.
func (c *Conn) ListNames(ctx context.Context) ([]string, error) {
	if err := c.busCheck(ctx); err != nil {
		return nil, err
	}
	return Call[[]string, any](ctx, c.bus, "ListNames", nil)
}

func (c *Conn) ListActivatableNames(ctx context.Context) ([]string, error) {
	if err := c.busCheck(ctx); err != nil {
		return nil, err
	}
	return Call[[]string, any](ctx, c.bus, "ListActivatableNames", nil)
}

func (c *Conn) NameHasOwner(ctx context.Context, name string) (bool, error) {
	if err := c.busCheck(ctx); err != nil {
		return false, err
	}
	return Call[bool](ctx, c.bus, "NameHasOwner", name)
}

// GetNameOwner returns the unique name that currently owns name.
func (c *Conn) GetNameOwner(ctx context.Context, name string) (string, error) {
	if err := c.busCheck(ctx); err != nil {
		return "", err
	}
	return Call[string](ctx, c.bus, "GetNameOwner", name)
}

func (c *Conn) GetPeerUID(ctx context.Context, name string) (uint32, error) {
	if err := c.busCheck(ctx); err != nil {
		return 0, err
	}
	return Call[uint32](ctx, c.bus, "GetConnectionUnixUser", name)
}

func (c *Conn) GetPeerPID(ctx context.Context, name string) (uint32, error) {
	if err := c.busCheck(ctx); err != nil {
		return 0, err
	}
	return Call[uint32](ctx, c.bus, "GetConnectionUnixProcessID", name)
}

// PeerCredentials is the reply to GetConnectionCredentials.
type PeerCredentials struct {
	UID           uint32   `dbus:"key=UnixUserID"`
	GIDs          []uint32 `dbus:"key=UnixGroupIDs"`
	PID           uint32   `dbus:"key=ProcessID"`
	SID           string   `dbus:"key=WindowsSID"`
	SecurityLabel []byte   `dbus:"key=LinuxSecurityLabel"`

	Unknown map[string]Variant `dbus:"vardict"`
}

func (c *Conn) GetPeerCredentials(ctx context.Context, name string) (*PeerCredentials, error) {
	if err := c.busCheck(ctx); err != nil {
		return nil, err
	}
	creds, err := Call[PeerCredentials](ctx, c.bus, "GetConnectionCredentials", name)
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// GetBusID returns the bus's globally unique ID.
func (c *Conn) GetBusID(ctx context.Context) (string, error) {
	if err := c.busCheck(ctx); err != nil {
		return "", err
	}
	return Call[string, any](ctx, c.bus, "GetId", nil)
}

// Features returns the optional features supported by the bus.
func (c *Conn) Features(ctx context.Context) ([]string, error) {
	if err := c.busCheck(ctx); err != nil {
		return nil, err
	}
	return GetProperty[[]string](ctx, c.bus, "Features")
}

// Not implemented:
//  - StartServiceByName, deprecated in favor of auto-start.
//  - UpdateActivationEnvironment, which is locked down on current
//    buses.
//  - GetAdtAuditSessionData, Solaris-only.
//  - GetConnectionSELinuxSecurityContext, deprecated in favor
//    of GetConnectionCredentials.
