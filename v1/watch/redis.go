package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamLen caps each Redis stream so an idle deployment does not
// grow it forever.
const DefaultStreamLen = 1024

// Redis uses Redis Streams so every process sharing the keepalive lock
// publishes into the same history, whichever of them ran the sweep.
type Redis struct {
	client redis.UniversalClient
	maxLen int64

	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedis creates a Redis bus on client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{
		client:  client,
		maxLen:  DefaultStreamLen,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish appends data to the stream named topic.
func (b *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch reads new entries of the stream named topic.
func (b *Redis) Watch(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 8)

	b.mu.Lock()
	m := b.cancels[topic]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[topic] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer b.forget(topic, ch)
		lastID := "$"
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{topic, lastID},
				Block:   time.Second,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// Unwatch stops the reader feeding ch. The channel is closed once the
// reader exits.
func (b *Redis) Unwatch(_ context.Context, topic string, ch chan []byte) error {
	b.mu.Lock()
	cancel, ok := b.cancels[topic][ch]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (b *Redis) forget(topic string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.cancels[topic]
	if cancel, ok := m[ch]; ok {
		cancel()
		delete(m, ch)
	}
	if len(m) == 0 {
		delete(b.cancels, topic)
	}
}
