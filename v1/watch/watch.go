// Package watch streams keepalive scheduler events to operators. A Hub
// observes the scheduler and publishes every event on a Bus; HTTP handlers
// relay the bus to Server-Sent Events or WebSocket clients.
package watch

import (
	"context"
	"sync"
)

// DefaultTopic carries the scheduler events of a deployment.
const DefaultTopic = "keepalive.events"

// Bus is a message bus for streaming event payloads.
type Bus interface {
	// Publish sends data to all watchers of topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Watch subscribes to topic. The returned channel receives payloads
	// until ctx is canceled or Unwatch is called, then it is closed.
	Watch(ctx context.Context, topic string) (chan []byte, error)
	// Unwatch stops delivering messages for topic to ch.
	Unwatch(ctx context.Context, topic string, ch chan []byte) error
}

// Memory is a process-local Bus. Slow watchers lose messages rather than
// stall the publisher.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewMemory creates a new Memory bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan []byte)}
}

// Publish sends data to all watchers of topic.
func (b *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Unwatch closes channels under mu, so the sends happen under it too.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch subscribes to topic and returns a channel receiving messages.
func (b *Memory) Watch(ctx context.Context, topic string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unwatch removes ch from the watchers of topic and closes it.
func (b *Memory) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, topic)
	} else {
		b.subs[topic] = subs
	}
	return nil
}

// Watchers returns the number of channels watching topic.
func (b *Memory) Watchers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
