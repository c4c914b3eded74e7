// Package syncbus propagates lock and unlock notifications between the
// processes that share a keepalive lock. Lockers use it to wake waiters in
// Acquire and to mirror lock state on nodes without a shared backend.
package syncbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// Bus provides a minimal pub/sub mechanism keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// TopicPrefix namespaces every topic published by the keepalive lockers.
const TopicPrefix = "keepalive"

// LockTopic returns the topic announcing that key was locked. Topics only
// use characters accepted by NATS subjects and Kafka topic names.
func LockTopic(key string) string {
	return TopicPrefix + ".lock." + sanitize(key)
}

// UnlockTopic returns the topic announcing that key was released.
func UnlockTopic(key string) string {
	return TopicPrefix + ".unlock." + sanitize(key)
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, key)
}

// InMemoryBus is a process-local implementation of Bus mainly for testing.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published.Add(1)
	fanOut(b.subs[topic], &b.delivered)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is dropped when ctx ends.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = removeChan(b.subs[topic], ch)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	return nil
}

// removeChan drops ch from chans and closes it. Unknown channels are ignored
// so repeated unsubscribes are harmless.
func removeChan(chans []chan struct{}, ch chan struct{}) []chan struct{} {
	for i, c := range chans {
		if c == ch {
			chans[i] = chans[len(chans)-1]
			close(c)
			return chans[:len(chans)-1]
		}
	}
	return chans
}

// fanOut delivers a notification to every channel without blocking. Callers
// hold the lock guarding chans, so removeChan cannot close a channel while
// it is being sent on. The
// delivered counter is bumped before each send so a receiver never observes
// a stale count.
func fanOut(chans []chan struct{}, delivered *atomic.Uint64) {
	for _, c := range chans {
		delivered.Add(1)
		select {
		case c <- struct{}{}:
		default:
			delivered.Add(^uint64(0))
		}
	}
}

// Metrics reports publish and delivery counts for a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
