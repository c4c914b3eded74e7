package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-keepalive/v1/syncbus"
)

type lockState struct {
	timer  *time.Timer
	notify chan struct{}
	own    bool
}

// InMemory implements Locker using local memory. Lock and unlock events are
// propagated through a syncbus Bus so lockers on other nodes mirror the
// lock state and wake their waiters.
type InMemory struct {
	mu      sync.Mutex
	bus     syncbus.Bus
	locks   map[string]*lockState
	subs    map[string]struct{}
	pending map[string]int
}

// NewInMemory returns a new in-memory locker that uses bus to propagate events.
func NewInMemory(bus syncbus.Bus) *InMemory {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &InMemory{
		bus:     bus,
		locks:   make(map[string]*lockState),
		subs:    make(map[string]struct{}),
		pending: make(map[string]int),
	}
}

func (l *InMemory) ensureSubscriptions(key string) error {
	l.mu.Lock()
	if _, ok := l.subs[key]; ok {
		l.mu.Unlock()
		return nil
	}
	l.subs[key] = struct{}{}
	l.mu.Unlock()

	cleanup := func() {
		l.mu.Lock()
		delete(l.subs, key)
		l.mu.Unlock()
	}

	lockTopic, unlockTopic := syncbus.LockTopic(key), syncbus.UnlockTopic(key)
	lockCh, err := l.bus.Subscribe(context.Background(), lockTopic)
	if err != nil {
		cleanup()
		return err
	}
	unlockCh, err := l.bus.Subscribe(context.Background(), unlockTopic)
	if err != nil {
		_ = l.bus.Unsubscribe(context.Background(), lockTopic, lockCh)
		cleanup()
		return err
	}

	go func() {
		for range lockCh {
			l.mu.Lock()
			// our own publications come back through the bus; skip them
			if l.pending[lockTopic] > 0 {
				l.pending[lockTopic]--
				l.mu.Unlock()
				continue
			}
			if _, ok := l.locks[key]; !ok {
				l.locks[key] = &lockState{notify: make(chan struct{})}
			}
			l.mu.Unlock()
		}
	}()
	go func() {
		for range unlockCh {
			l.mu.Lock()
			if l.pending[unlockTopic] > 0 {
				l.pending[unlockTopic]--
				l.mu.Unlock()
				continue
			}
			if st, ok := l.locks[key]; ok {
				if st.timer != nil {
					st.timer.Stop()
				}
				close(st.notify)
				delete(l.locks, key)
			}
			l.mu.Unlock()
		}
	}()
	return nil
}

// TryLock implements Locker.TryLock.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := l.ensureSubscriptions(key); err != nil {
		return false, err
	}
	l.mu.Lock()
	if _, ok := l.locks[key]; ok {
		l.mu.Unlock()
		return false, nil
	}
	st := &lockState{notify: make(chan struct{}), own: true}
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			_ = l.Release(context.Background(), key)
		})
	}
	l.locks[key] = st
	l.pending[syncbus.LockTopic(key)]++
	l.mu.Unlock()
	_ = l.bus.Publish(ctx, syncbus.LockTopic(key))
	return true, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		l.mu.Lock()
		st, held := l.locks[key]
		l.mu.Unlock()
		if !held {
			continue
		}
		select {
		case <-st.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Locker.Release.
func (l *InMemory) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	st, ok := l.locks[key]
	if ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		close(st.notify)
		delete(l.locks, key)
		l.pending[syncbus.UnlockTopic(key)]++
	}
	l.mu.Unlock()
	if ok {
		_ = l.bus.Publish(ctx, syncbus.UnlockTopic(key))
	}
	return nil
}

// Refresh implements Refresher.
func (l *InMemory) Refresh(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok || !st.own {
		return false, nil
	}
	if st.timer != nil && ttl > 0 {
		st.timer.Reset(ttl)
	}
	return true, nil
}
