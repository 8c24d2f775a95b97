package dbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebus/dbus"
	"github.com/corebus/dbus/dbustest"
)

func TestPool(t *testing.T) {
	bus := dbustest.New(t, false)
	ctx := context.Background()

	pool := dbus.NewPool(dbus.WithLogger(dbustest.Logger(t)))
	defer pool.Close()

	a, err := pool.Get(ctx, bus.Address())
	require.NoError(t, err)
	b, err := pool.Get(ctx, bus.Address())
	require.NoError(t, err)
	assert.Same(t, a, b, "pool dialed a second connection to the same address")
	assert.Equal(t, 1, pool.Len())

	require.NoError(t, pool.Release(a))
	assert.Equal(t, dbus.StateConnected, b.State(), "connection closed while still referenced")
	require.NoError(t, pool.Release(b))
	<-b.Done()
	assert.Equal(t, 0, pool.Len())

	c, err := pool.Get(ctx, bus.Address())
	require.NoError(t, err)
	assert.NotSame(t, b, c)

	// A connection that goes away is evicted.
	c.Close()
	assert.Eventually(t, func() bool { return pool.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, pool.Release(c))
}

func TestBusAPI(t *testing.T) {
	bus := dbustest.New(t, false)
	ctx := context.Background()
	a := bus.MustConn(t)
	b := bus.MustConn(t)

	assert.True(t, a.IsBus())
	assert.NotEqual(t, a.LocalName(), b.LocalName())

	id, err := a.GetBusID(ctx)
	require.NoError(t, err)
	assert.Len(t, id, 32)

	r, err := a.RequestName(ctx, "org.test.Service", 0)
	require.NoError(t, err)
	assert.Equal(t, dbus.NamePrimaryOwner, r)
	r, err = a.RequestName(ctx, "org.test.Service", 0)
	require.NoError(t, err)
	assert.Equal(t, dbus.NameAlreadyOwner, r)
	r, err = b.RequestName(ctx, "org.test.Service", dbus.NameRequestNoQueue)
	require.NoError(t, err)
	assert.Equal(t, dbus.NameExists, r)

	owner, err := b.GetNameOwner(ctx, "org.test.Service")
	require.NoError(t, err)
	assert.Equal(t, a.LocalName(), owner)
	has, err := b.NameHasOwner(ctx, "org.test.Service")
	require.NoError(t, err)
	assert.True(t, has)

	names, err := b.ListNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "org.test.Service")
	assert.Contains(t, names, a.LocalName())

	_, err = b.GetNameOwner(ctx, "org.test.Nobody")
	assert.ErrorIs(t, err, dbus.ErrNameHasNoOwner)

	released, err := a.ReleaseName(ctx, "org.test.Service")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), released)
}

func TestBusSignalByWellKnownName(t *testing.T) {
	bus := dbustest.New(t, false)
	ctx := context.Background()
	srv := bus.MustConn(t)
	cli := bus.MustConn(t)

	_, err := srv.RequestName(ctx, "org.test.Emitter", 0)
	require.NoError(t, err)

	w := cli.Watch()
	defer w.Close()
	_, err = w.Match(dbus.MatchSignals().Sender("org.test.Emitter").Member("Ping"))
	require.NoError(t, err)

	require.NoError(t, srv.Emit(ctx, "/", "org.test.Echo", "Ping", "hi"))
	select {
	case n := <-w.Chan():
		assert.Equal(t, srv.LocalName(), n.Message.Sender)
		assert.Equal(t, []any{"hi"}, n.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("signal from well-known name not delivered")
	}
}

func TestClaim(t *testing.T) {
	bus := dbustest.New(t, false)
	ctx := context.Background()
	a := bus.MustConn(t)
	b := bus.MustConn(t)

	ca, err := a.Claim(ctx, "org.test.Claimed", dbus.ClaimOptions{AllowReplacement: true})
	require.NoError(t, err)
	waitOwner(t, ca, true)

	cb, err := b.Claim(ctx, "org.test.Claimed", dbus.ClaimOptions{TryReplace: true})
	require.NoError(t, err)
	waitOwner(t, cb, true)
	waitOwner(t, ca, false)

	require.NoError(t, cb.Close())
	waitOwner(t, ca, true)
	require.NoError(t, ca.Close())
}

func waitOwner(t *testing.T, c *dbus.Claim, want bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got, ok := <-c.Chan():
			require.True(t, ok, "claim channel closed")
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("claim %s never reached owner=%v", c.Name(), want)
		}
	}
}
