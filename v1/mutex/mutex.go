//go:build unix

// Package mutex coordinates the keepalive sweep across every cooperating
// process: whoever holds the lock runs the sweep, everybody else skips.
package mutex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	kaerrors "github.com/mirkobrombin/go-keepalive/v1/errors"
	"github.com/mirkobrombin/go-keepalive/v1/lock"
	"github.com/mirkobrombin/go-keepalive/v1/shm"
)

const (
	// DefaultKey names the lock on remote backends.
	DefaultKey = shm.DefaultName
	// DefaultTimeout bounds a single backend call so TryAcquire never
	// stalls the caller on a slow network backend.
	DefaultTimeout = 200 * time.Millisecond
)

// Coordinator is the shared mutex used to serialize sweeps. It is built
// lazily by Init; until then every TryAcquire fails.
type Coordinator struct {
	mu      sync.Mutex
	backend lock.Locker
	seg     *shm.Segment
	shared  *shm.Mutex

	custom  lock.Locker
	name    string
	key     string
	ttl     time.Duration
	timeout time.Duration
	owner   uint64
	logger  *slog.Logger

	renew *lease
}

// lease keeps an expiring lock alive while it is held.
type lease struct {
	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLocker runs the coordinator on a cluster-wide backend instead of the
// host-local shared memory segment.
func WithLocker(l lock.Locker) Option {
	return func(c *Coordinator) { c.custom = l }
}

// WithSegmentName overrides the shared memory segment name.
func WithSegmentName(name string) Option {
	return func(c *Coordinator) { c.name = name }
}

// WithKey sets the lock key used on remote backends.
func WithKey(key string) Option {
	return func(c *Coordinator) { c.key = key }
}

// WithTTL makes remote locks expire after ttl so a crashed holder cannot
// stall sweeps forever. Zero keeps the lock until released.
func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.ttl = ttl }
}

// WithTimeout bounds every backend call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithOwner sets the id written into the shared lock word. It defaults to
// the pid.
func WithOwner(owner uint64) Option {
	return func(c *Coordinator) { c.owner = owner }
}

// WithLogger sets the logger used for backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New returns an uninitialized coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		name:    shm.DefaultName,
		key:     DefaultKey,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init builds the lock. With the default backend it maps the shared
// segment backed by lockFilePath. Calling Init again after a success is a
// no-op returning nil.
func (c *Coordinator) Init(lockFilePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		return nil
	}
	if c.custom != nil {
		c.backend = c.custom
		return nil
	}
	seg, err := shm.Open(lockFilePath, c.name)
	if err != nil {
		return fmt.Errorf("%w: %v", kaerrors.ErrInit, err)
	}
	c.seg = seg
	c.shared = shm.NewMutex(seg, c.owner)
	c.backend = lock.NewShared(c.shared)
	return nil
}

// Initialized reports whether Init succeeded.
func (c *Coordinator) Initialized() bool {
	return c.locker() != nil
}

func (c *Coordinator) locker() lock.Locker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// TryAcquire attempts to take the lock without waiting. Backend errors are
// logged and reported as a failed attempt.
func (c *Coordinator) TryAcquire() bool {
	l := c.locker()
	if l == nil {
		c.logger.Error("keepalive: lock used before init", "error", kaerrors.ErrNotInitialized)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	ok, err := l.TryLock(ctx, c.key, c.ttl)
	if err != nil {
		c.logger.Warn("keepalive: lock attempt failed", "key", c.key, "error", err)
		return false
	}
	if ok {
		c.grant(l)
	}
	return ok
}

// grant starts renewing the lock at half its ttl when the backend
// supports it, so a sweep outliving the ttl keeps the lock.
func (c *Coordinator) grant(l lock.Locker) {
	r, ok := l.(lock.Refresher)
	if !ok || c.ttl <= 0 {
		return
	}
	interval := c.ttl / 2
	if interval <= 0 {
		interval = c.ttl
	}
	ls := &lease{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	prev := c.renew
	c.renew = ls
	c.mu.Unlock()
	prev.revoke()

	go func() {
		defer close(ls.done)
		defer ls.ticker.Stop()
		for {
			select {
			case <-ls.ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
				held, err := r.Refresh(ctx, c.key, c.ttl)
				cancel()
				if err != nil {
					c.logger.Warn("keepalive: lock renewal failed", "key", c.key, "error", err)
					continue
				}
				if !held {
					c.logger.Warn("keepalive: lock lost while held", "key", c.key)
					return
				}
			case <-ls.stop:
				return
			}
		}
	}()
}

func (ls *lease) revoke() {
	if ls == nil {
		return
	}
	close(ls.stop)
	<-ls.done
}

func (c *Coordinator) revoke() {
	c.mu.Lock()
	ls := c.renew
	c.renew = nil
	c.mu.Unlock()
	ls.revoke()
}

// Release frees the lock. The caller must hold it.
func (c *Coordinator) Release() {
	c.revoke()
	l := c.locker()
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := l.Release(ctx, c.key); err != nil {
		c.logger.Warn("keepalive: lock release failed", "key", c.key, "error", err)
	}
}

// ForceUnlock clears a shared-memory lock left behind by a dead process
// identified by owner. It reports false for remote backends, which rely on
// their ttl instead.
func (c *Coordinator) ForceUnlock(owner uint64) bool {
	c.mu.Lock()
	shared := c.shared
	c.mu.Unlock()
	if shared == nil {
		return false
	}
	if shared.ForceUnlock(owner) {
		c.logger.Info("keepalive: reclaimed lock of dead process", "owner", owner)
		return true
	}
	return false
}

// Holder returns the owner currently holding the shared-memory lock and
// false for remote backends.
func (c *Coordinator) Holder() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shared == nil {
		return 0, false
	}
	return c.shared.Holder(), true
}

// Close unmaps the shared segment and resets the coordinator; Init must
// run again before the next TryAcquire.
func (c *Coordinator) Close() error {
	c.revoke()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backend = nil
	if c.seg == nil {
		return nil
	}
	err := c.seg.Close()
	c.seg, c.shared = nil, nil
	return err
}

// Default is the process-wide coordinator used by the package functions.
var Default = New()

// Init initializes the process-wide coordinator.
func Init(lockFilePath string) error { return Default.Init(lockFilePath) }

// TryAcquire attempts to take the process-wide lock.
func TryAcquire() bool { return Default.TryAcquire() }

// Release releases the process-wide lock.
func Release() { Default.Release() }
