// SPDX-License-Identifier: MIT

package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaseClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLease_ExactlyOneHolder(t *testing.T) {
	mr, client := newLeaseClient(t)
	ctx := context.Background()

	a := NewLease(client, "scheduler", 200*time.Millisecond)
	b := NewLease(client, "scheduler", 200*time.Millisecond)
	a.Start(ctx)
	b.Start(ctx)
	defer func() {
		require.NoError(t, a.Stop(ctx))
		require.NoError(t, b.Stop(ctx))
	}()

	require.Eventually(t, func() bool {
		return a.Holding() || b.Holding()
	}, 2*time.Second, 10*time.Millisecond)

	// The invariant holds at every sample, not just once.
	for i := 0; i < 20; i++ {
		assert.False(t, a.Holding() && b.Holding(), "both instances held the lease")
		time.Sleep(10 * time.Millisecond)
	}

	owner, err := mr.Get("scheduler")
	require.NoError(t, err)
	if a.Holding() {
		assert.Equal(t, a.owner, owner)
	} else {
		assert.Equal(t, b.owner, owner)
	}
}

func TestLease_TakeoverAfterHolderDies(t *testing.T) {
	mr, client := newLeaseClient(t)
	ttl := 200 * time.Millisecond

	holderCtx, killHolder := context.WithCancel(context.Background())
	a := NewLease(client, "scheduler", ttl)
	a.Start(holderCtx)
	require.Eventually(t, a.Holding, 2*time.Second, 10*time.Millisecond)

	b := NewLease(client, "scheduler", ttl)
	b.Start(context.Background())
	defer func() { require.NoError(t, b.Stop(context.Background())) }()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, b.Holding())

	// Kill the holder without a graceful release; the key must expire
	// before the seeker can take over.
	killHolder()
	<-a.done
	mr.FastForward(ttl)

	require.Eventually(t, b.Holding, 2*time.Second, 10*time.Millisecond)
}

func TestLease_RenewalKeepsLeaseAlive(t *testing.T) {
	mr, client := newLeaseClient(t)
	ctx := context.Background()
	ttl := 200 * time.Millisecond

	l := NewLease(client, "scheduler", ttl)
	l.Start(ctx)
	defer func() { require.NoError(t, l.Stop(ctx)) }()
	require.Eventually(t, l.Holding, 2*time.Second, 10*time.Millisecond)

	// Burn half the TTL, give the renew ticker time to fire, and
	// repeat: without renewal the key would be gone after the second
	// fast-forward.
	mr.FastForward(ttl / 2)
	time.Sleep(3 * ttl / 2)
	mr.FastForward(ttl / 2)

	assert.True(t, l.Holding())
	assert.True(t, mr.Exists("scheduler"))
}

func TestLease_LostToAnotherOwner(t *testing.T) {
	mr, client := newLeaseClient(t)
	ctx := context.Background()
	ttl := 100 * time.Millisecond

	l := NewLease(client, "scheduler", ttl)
	l.Start(ctx)
	defer func() { require.NoError(t, l.Stop(ctx)) }()
	require.Eventually(t, l.Holding, 2*time.Second, 10*time.Millisecond)

	// Another owner steals the key; the next renewal must notice and
	// drop back to seeking without touching the stolen lease.
	mr.Set("scheduler", "someone-else")
	require.Eventually(t, func() bool { return !l.Holding() }, 2*time.Second, 10*time.Millisecond)

	owner, err := mr.Get("scheduler")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", owner)
}

func TestLease_StopReleasesKey(t *testing.T) {
	mr, client := newLeaseClient(t)
	ctx := context.Background()

	l := NewLease(client, "scheduler", time.Minute)
	l.Start(ctx)
	require.Eventually(t, l.Holding, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop(ctx))
	assert.Equal(t, StateReleased, l.State())
	assert.False(t, mr.Exists("scheduler"))
}
