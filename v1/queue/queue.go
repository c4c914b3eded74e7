// Package queue holds the coordination servers still due for a keepalive
// in the current sweep window. The scheduler only asks whether the queue
// is empty; whoever populates it owns insertion and removal.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Server describes one coordination server awaiting a check.
type Server struct {
	Addr  string    `json:"addr"`
	Added time.Time `json:"added"`
}

// Queue is the read side the scheduler depends on.
type Queue interface {
	Len(ctx context.Context) (int, error)
}

// Lister returns the queued servers without removing them. Probes walk the
// queue this way on every sweep.
type Lister interface {
	Queue
	List(ctx context.Context) ([]Server, error)
}

// Memory is an ordered, process-local queue.
type Memory struct {
	mu    sync.Mutex
	items []Server
}

// NewMemory returns a queue holding servers in order.
func NewMemory(servers ...Server) *Memory {
	return &Memory{items: append([]Server(nil), servers...)}
}

// Push appends servers to the tail.
func (q *Memory) Push(_ context.Context, servers ...Server) error {
	q.mu.Lock()
	q.items = append(q.items, servers...)
	q.mu.Unlock()
	return nil
}

// Pop removes and returns the head; ok is false when the queue is empty.
func (q *Memory) Pop(_ context.Context) (Server, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Server{}, false, nil
	}
	s := q.items[0]
	q.items = q.items[1:]
	return s, true, nil
}

// Len implements Queue.
func (q *Memory) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Snapshot returns a copy of the queued servers.
func (q *Memory) Snapshot() []Server {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Server(nil), q.items...)
}

// List implements Lister.
func (q *Memory) List(_ context.Context) ([]Server, error) {
	return q.Snapshot(), nil
}

// DefaultRedisKey is the list holding the shared keepalive queue.
const DefaultRedisKey = "keepalive:queue"

// Redis is a queue stored in a Redis list, visible to every process that
// shares the keepalive lock.
type Redis struct {
	client redis.UniversalClient
	key    string
}

// NewRedis returns a queue stored under key. An empty key uses DefaultRedisKey.
func NewRedis(client redis.UniversalClient, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// Push appends servers to the tail of the list.
func (q *Redis) Push(ctx context.Context, servers ...Server) error {
	if len(servers) == 0 {
		return nil
	}
	vals := make([]any, 0, len(servers))
	for _, s := range servers {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("queue: encode server: %w", err)
		}
		vals = append(vals, b)
	}
	return q.client.RPush(ctx, q.key, vals...).Err()
}

// Pop removes and returns the head of the list.
func (q *Redis) Pop(ctx context.Context) (Server, bool, error) {
	b, err := q.client.LPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Server{}, false, nil
	}
	if err != nil {
		return Server{}, false, err
	}
	var s Server
	if err := json.Unmarshal(b, &s); err != nil {
		return Server{}, false, fmt.Errorf("queue: decode server: %w", err)
	}
	return s, true, nil
}

// Len implements Queue.
func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	return int(n), err
}

// List implements Lister.
func (q *Redis) List(ctx context.Context) ([]Server, error) {
	raw, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	servers := make([]Server, 0, len(raw))
	for _, r := range raw {
		var s Server
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			return nil, fmt.Errorf("queue: decode server: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}
