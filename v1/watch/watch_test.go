package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keepalive/v1/scheduler"
)

func waitWatchers(t *testing.T, bus *Memory, topic string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if bus.Watchers(topic) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d watchers on %s, got %d", n, topic, bus.Watchers(topic))
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "events")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "events", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	if err := bus.Unwatch(ctx, "events", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
	// a second unwatch is harmless
	if err := bus.Unwatch(ctx, "events", ch); err != nil {
		t.Fatalf("unwatch again: %v", err)
	}
}

func TestMemoryBusContextCancelUnwatches(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := bus.Watch(ctx, "events"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	waitWatchers(t, bus, "events", 1)
	cancel()
	waitWatchers(t, bus, "events", 0)

	if _, err := bus.Watch(ctx, "events"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestHubPublishesEvents(t *testing.T) {
	bus := NewMemory()
	hub := NewHub(bus, "", nil)
	if hub.Topic() != DefaultTopic {
		t.Fatalf("unexpected topic %s", hub.Topic())
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Watch(ctx, DefaultTopic)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	go hub.Run(ctx)

	next := time.Date(2024, 1, 1, 0, 1, 2, 0, time.UTC)
	hub.Observe(scheduler.Event{Outcome: "completed", SweepID: "abc", Armed: true, NextFire: next})

	select {
	case msg := <-ch:
		var e scheduler.Event
		if err := json.Unmarshal(msg, &e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if e.Outcome != "completed" || e.SweepID != "abc" || !e.Armed || !e.NextFire.Equal(next) {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHubDropsWhenBehind(t *testing.T) {
	hub := NewHub(NewMemory(), "events", nil)
	for i := 0; i < cap(hub.events)+3; i++ {
		hub.Observe(scheduler.Event{Outcome: "skipped"})
	}
	if hub.Dropped() != 3 {
		t.Fatalf("expected 3 dropped, got %d", hub.Dropped())
	}
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewRedis(client)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, "events")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	// the reader starts at the stream tail, so publish until it is in place
	deadline := time.After(3 * time.Second)
	for received := false; !received; {
		if err := bus.Publish(ctx, "events", []byte("a")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case msg := <-ch:
			if string(msg) != "a" {
				t.Fatalf("unexpected %s", msg)
			}
			received = true
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("timeout waiting for stream message")
		}
	}

	n, err := client.XLen(ctx, "events").Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n == 0 {
		t.Fatal("expected stream entries")
	}

	if err := bus.Unwatch(ctx, "events", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case <-drain(ch):
	case <-time.After(3 * time.Second):
		t.Fatal("reader did not stop")
	}
}

// drain consumes ch and reports when it is closed.
func drain(ch chan []byte) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}

func TestSSEHandlerStream(t *testing.T) {
	bus := NewMemory()
	srv := httptest.NewServer(SSEHandler(bus, DefaultTopic))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitWatchers(t, bus, DefaultTopic, 1)

	if err := bus.Publish(context.Background(), DefaultTopic, []byte(`{"outcome":"empty"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != `data: {"outcome":"empty"}` {
		t.Fatalf("unexpected line %q", line)
	}
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorUnwatches(t *testing.T) {
	bus := NewMemory()
	handler := SSEHandler(bus, DefaultTopic)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	done := make(chan struct{})
	go func() {
		handler(&failingWriter{header: make(http.Header)}, req)
		close(done)
	}()
	waitWatchers(t, bus, DefaultTopic, 1)

	if err := bus.Publish(context.Background(), DefaultTopic, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on write error")
	}
	waitWatchers(t, bus, DefaultTopic, 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := NewMemory()
	srv := httptest.NewServer(WebSocketHandler(bus, DefaultTopic))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, bus, DefaultTopic, 1)

	if err := bus.Publish(context.Background(), DefaultTopic, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("unexpected %s", msg)
	}
}

func TestWebSocketHandlerClientGone(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewUnstartedServer(WebSocketHandler(bus, DefaultTopic))
	srv.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	srv.Start()
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitWatchers(t, bus, DefaultTopic, 1)

	_ = conn.Close()
	waitWatchers(t, bus, DefaultTopic, 0)
}

func TestMemoryPublishWhileClientsLeave(t *testing.T) {
	bus := NewMemory()
	stop := make(chan struct{})
	var (
		wg     sync.WaitGroup
		panics atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if recover() != nil {
					panics.Add(1)
				}
			}()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = bus.Publish(context.Background(), DefaultTopic, []byte(`{"outcome":"completed"}`))
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := bus.Watch(ctx, DefaultTopic)
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
		if err := bus.Unwatch(ctx, DefaultTopic, ch); err != nil {
			t.Fatalf("unwatch: %v", err)
		}
		cancel()
	}
	close(stop)
	wg.Wait()
	if n := panics.Load(); n != 0 {
		t.Fatalf("publish sent on a closed watcher %d times", n)
	}
}
