package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(Server{Addr: "rc1:6100"})
	require.NoError(t, q.Push(ctx, Server{Addr: "rc2:6100"}))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, q.Snapshot(), 2)

	s, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rc1:6100", s.Addr)

	_, _, _ = q.Pop(ctx)
	_, ok, err = q.Pop(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisQueueSharedAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c1.Close()
	defer c2.Close()

	writer, reader := NewRedis(c1, ""), NewRedis(c2, "")
	n, err := reader.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	added := time.Unix(1700000000, 0).UTC()
	require.NoError(t, writer.Push(ctx, Server{Addr: "rc1:6100", Added: added}, Server{Addr: "rc2:6100"}))
	require.NoError(t, writer.Push(ctx))

	n, err = reader.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	s, ok, err := reader.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "rc1:6100", s.Addr)
	require.True(t, added.Equal(s.Added))
}

func TestRedisQueueEmptyPop(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()

	_, ok, err := NewRedis(c, "custom").Pop(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisQueueDecodeError(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	_, err := mr.Lpush(DefaultRedisKey, "not-json")
	require.NoError(t, err)

	_, _, err = NewRedis(c, "").Pop(context.Background())
	require.Error(t, err)
}

func TestListDoesNotConsume(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	ctx := context.Background()

	for _, q := range []interface {
		Lister
		Push(context.Context, ...Server) error
	}{NewMemory(), NewRedis(c, "")} {
		require.NoError(t, q.Push(ctx, Server{Addr: "rc1:6100"}, Server{Addr: "rc2:6100"}))
		servers, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, servers, 2)
		require.Equal(t, "rc2:6100", servers[1].Addr)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	}
}
