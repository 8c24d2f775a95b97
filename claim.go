package dbus

import (
	"context"
	"fmt"
	"sync"
)

// Claim requests ownership of a bus name.
//
// Bus names may have multiple active claims by different clients, but
// only one active owner at a time. The [ClaimOptions] set by each
// claimant determines the owner and rules of succession.
//
// Claiming a name does not guarantee ownership of the name. Callers
// must monitor [Claim.Chan] to find out if and when the name gets
// assigned to them.
func (c *Conn) Claim(ctx context.Context, name string, opts ClaimOptions) (*Claim, error) {
	if err := c.busCheck(ctx); err != nil {
		return nil, err
	}
	if err := ValidateBusName(name); err != nil {
		return nil, err
	}
	ret := &Claim{
		c:           c,
		w:           c.Watch(),
		owner:       make(chan bool, 1),
		name:        name,
		pumpStopped: make(chan struct{}),
	}
	for _, rule := range []*MatchRule{
		MatchNotification[NameAcquired]().Sender(busName).Arg(0, name),
		MatchNotification[NameLost]().Sender(busName).Arg(0, name),
	} {
		if _, err := ret.w.Match(rule); err != nil {
			ret.w.Close()
			return nil, err
		}
	}

	go ret.pump()

	if err := ret.Request(ctx, opts); err != nil {
		ret.w.Close()
		<-ret.pumpStopped
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claims == nil {
		ret.closeLocal()
		return nil, ErrNotConnected
	}
	c.claims.Add(ret)
	return ret, nil
}

// ClaimOptions are the options for a [Claim] to a bus name.
type ClaimOptions struct {
	// AllowReplacement is whether to allow another request that sets
	// TryReplace to take over ownership.
	AllowReplacement bool
	// TryReplace is whether to attempt to replace the current owner,
	// if the name already has an owner.
	//
	// Replacement is only permitted if the current owner made its
	// claim with the AllowReplacement option set. Otherwise, the
	// request for ownership joins the backup queue or returns an
	// error, depending on the NoQueue setting.
	TryReplace bool
	// NoQueue, if set, causes this claim to never join the backup
	// queue for any reason.
	//
	// If ownership of the name cannot be secured when the Claim is
	// created, creation fails with an error.
	NoQueue bool
}

func (o ClaimOptions) flags() NameRequestFlags {
	var ret NameRequestFlags
	if o.AllowReplacement {
		ret |= NameRequestAllowReplacement
	}
	if o.TryReplace {
		ret |= NameRequestReplace
	}
	if o.NoQueue {
		ret |= NameRequestNoQueue
	}
	return ret
}

// Claim is a claim to ownership of a bus name.
//
// Multiple DBus clients may claim ownership of the same name. The bus
// tracks a single current owner, as well as a queue of other
// claimants that are eligible to succeed the current owner.
type Claim struct {
	c     *Conn
	w     *Watcher
	owner chan bool
	name  string

	pumpStopped chan struct{}
	closeOnce   sync.Once

	mu   sync.Mutex
	last bool
}

// Request makes a new request to the bus for the claimed name.
//
// If this Claim is the current owner, Request updates the
// AllowReplacement and NoQueue settings without relinquishing
// ownership.
//
// If this claim is not the current owner, the bus considers this
// claim anew with the updated [ClaimOptions].
func (c *Claim) Request(ctx context.Context, opts ClaimOptions) error {
	r, err := c.c.RequestName(ctx, c.name, opts.flags())
	if err != nil {
		return err
	}
	switch r {
	case NameExists:
		return fmt.Errorf("name %q is owned by another connection", c.name)
	case NameAlreadyOwner:
		// No NameAcquired follows a repeated request.
		c.mu.Lock()
		c.last = true
		c.mu.Unlock()
		c.send(true)
	}
	return nil
}

// Close abandons the claim.
//
// If the claim is the current owner of the bus name, ownership is
// lost and may be passed on to another claimant.
func (c *Claim) Close() error {
	select {
	case <-c.pumpStopped:
		return nil
	default:
	}
	c.w.Close()
	c.closeLocal()

	c.c.mu.Lock()
	if c.c.claims != nil {
		delete(c.c.claims, c)
	}
	c.c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.c.opts.callTimeout)
	defer cancel()
	_, err := c.c.ReleaseName(ctx, c.name)
	return err
}

// closeLocal ends the claim without talking to the bus.
func (c *Claim) closeLocal() {
	c.closeOnce.Do(func() {
		c.w.closeLocal()
		<-c.pumpStopped
		// One final send to report loss of ownership, before closing
		// the chan.
		c.send(false)
		close(c.owner)
	})
}

// IsOwner reports whether the claim was the owner of the name at
// the last ownership change seen.
func (c *Claim) IsOwner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Name returns the claim's bus name.
func (c *Claim) Name() string { return c.name }

// Chan returns a channel that reports whether this claim is the
// current owner of the bus name. Only the latest state is kept.
func (c *Claim) Chan() <-chan bool { return c.owner }

func (c *Claim) send(isOwner bool) {
	for {
		select {
		case c.owner <- isOwner:
			return
		default:
		}
		select {
		case <-c.owner:
		default:
		}
	}
}

func (c *Claim) pump() {
	defer close(c.pumpStopped)
	for sig := range c.w.Chan() {
		var owner bool
		switch v := sig.Body.(type) {
		case *NameAcquired:
			if v.Name != c.name {
				continue
			}
			owner = true
		case *NameLost:
			if v.Name != c.name {
				continue
			}
		default:
			continue
		}
		c.mu.Lock()
		c.last = owner
		c.mu.Unlock()
		c.send(owner)
	}
}
