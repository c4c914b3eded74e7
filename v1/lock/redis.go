package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keepalive/v1/syncbus"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// acquireRetry bounds how long Acquire waits for an unlock notification
// before trying again, covering locks that simply expired.
const acquireRetry = 100 * time.Millisecond

// Redis implements Locker using a Redis backend. Every acquisition stores a
// random token so a process can only release the lock it took.
type Redis struct {
	client redis.UniversalClient
	bus    syncbus.Bus

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis returns a new Redis locker using the provided client. A nil bus
// disables unlock notifications, which only Acquire relies on.
func NewRedis(client redis.UniversalClient, bus syncbus.Bus) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &Redis{client: client, bus: bus, tokens: make(map[string]string)}
}

// TryLock implements Locker.TryLock.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ch, err := r.bus.Subscribe(ctx, syncbus.UnlockTopic(key))
		if err != nil {
			return err
		}
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil || ok {
			_ = r.bus.Unsubscribe(context.Background(), syncbus.UnlockTopic(key), ch)
			return err
		}
		select {
		case <-ch:
		case <-time.After(acquireRetry):
		case <-ctx.Done():
			_ = r.bus.Unsubscribe(context.Background(), syncbus.UnlockTopic(key), ch)
			return ctx.Err()
		}
		_ = r.bus.Unsubscribe(context.Background(), syncbus.UnlockTopic(key), ch)
	}
}

// Release implements Locker.Release.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := delScript.Run(ctx, r.client, []string{key}, token).Result()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.tokens, key)
	r.mu.Unlock()
	_ = r.bus.Publish(ctx, syncbus.UnlockTopic(key))
	return nil
}

// Refresh implements Refresher.
func (r *Redis) Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, ok := r.tokens[key]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	n, err := refreshScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
