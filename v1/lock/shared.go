//go:build unix

package lock

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-keepalive/v1/shm"
)

// Shared adapts a shared-memory mutex to the Locker interface. The segment
// holds a single lock, so the key is ignored. Without an expiry a holder
// that dies keeps the lock until shm.Mutex.ForceUnlock clears it.
type Shared struct {
	m *shm.Mutex
}

// NewShared returns a Locker backed by m.
func NewShared(m *shm.Mutex) *Shared {
	return &Shared{m: m}
}

// TryLock implements Locker.TryLock.
func (s *Shared) TryLock(context.Context, string, time.Duration) (bool, error) {
	return s.m.TryLock(), nil
}

// Release implements Locker.Release.
func (s *Shared) Release(context.Context, string) error {
	s.m.Unlock()
	return nil
}

// Mutex exposes the underlying shared-memory mutex.
func (s *Shared) Mutex() *shm.Mutex { return s.m }
