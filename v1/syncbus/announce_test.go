package syncbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-keepalive/v1/lock"
	"github.com/mirkobrombin/go-keepalive/v1/syncbus"
)

func TestRedisReleaseAnnouncesUnlock(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	holderClient, waiterClient := newClient(), newClient()
	holder := lock.NewRedis(holderClient, syncbus.NewRedisBus(holderClient))
	waiterBus := syncbus.NewRedisBus(waiterClient)

	unlocked, err := waiterBus.Subscribe(ctx, syncbus.UnlockTopic("keepalive_zone"))
	require.NoError(t, err)

	ok, err := holder.TryLock(ctx, "keepalive_zone", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	select {
	case <-unlocked:
		t.Fatal("woken before release")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, holder.Release(ctx, "keepalive_zone"))
	select {
	case <-unlocked:
	case <-time.After(2 * time.Second):
		t.Fatal("release not announced to the other process")
	}
}

func TestInMemoryLockersShareUnlocks(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unlocked, err := bus.Subscribe(ctx, syncbus.UnlockTopic("zone"))
	require.NoError(t, err)

	holder := lock.NewInMemory(bus)
	ok, err := holder.TryLock(ctx, "zone", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, holder.Release(ctx, "zone"))

	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatal("in-memory release not announced")
	}
}
