package watch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-keepalive/v1/scheduler"
)

// publishTimeout bounds one publish on a remote bus.
const publishTimeout = 2 * time.Second

// Hub relays scheduler events to a Bus. Observe never blocks the scheduler:
// events are queued and published by Run, and dropped when the queue is
// full.
type Hub struct {
	bus     Bus
	topic   string
	logger  *slog.Logger
	events  chan scheduler.Event
	dropped atomic.Uint64
}

// NewHub returns a hub publishing on topic; an empty topic means
// DefaultTopic.
func NewHub(bus Bus, topic string, logger *slog.Logger) *Hub {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{bus: bus, topic: topic, logger: logger, events: make(chan scheduler.Event, 64)}
}

// Topic returns the topic the hub publishes on.
func (h *Hub) Topic() string { return h.topic }

// Observe implements scheduler.Observer.
func (h *Hub) Observe(e scheduler.Event) {
	select {
	case h.events <- e:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because Run lagged.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Run publishes queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.events:
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn("keepalive: encoding event failed", "error", err)
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := h.bus.Publish(pctx, h.topic, data); err != nil {
				h.logger.Warn("keepalive: publishing event failed", "topic", h.topic, "error", err)
			}
			cancel()
		}
	}
}
