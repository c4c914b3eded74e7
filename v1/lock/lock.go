package lock

import (
	"context"
	"time"
)

// Locker is an exclusive, non-blocking lock keyed by name.
type Locker interface {
	// TryLock attempts to obtain the lock without waiting and reports
	// whether it succeeded. A zero ttl means the lock never expires.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees a lock obtained by this locker. Releasing a lock that
	// is not held is a no-op.
	Release(ctx context.Context, key string) error
}

// Refresher is implemented by lockers whose locks expire. Refresh extends
// a lock this locker holds to ttl from now and reports false when the lock
// was lost in the meantime.
type Refresher interface {
	Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
