//go:build unix

package shm

import (
	"os"
	"sync/atomic"
	"unsafe"
)

const (
	lockOffset       = 0
	generationOffset = 8
)

// Mutex is an exclusive lock living in a Segment. It never blocks: there is
// no fallback to a sleeping primitive, callers retry on their own schedule.
type Mutex struct {
	seg   *Segment
	owner uint64
}

// NewMutex builds a mutex over seg held under the given owner id. A zero
// owner defaults to the current pid.
func NewMutex(seg *Segment, owner uint64) *Mutex {
	if owner == 0 {
		owner = uint64(os.Getpid())
	}
	return &Mutex{seg: seg, owner: owner}
}

func (m *Mutex) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&m.seg.data[off]))
}

// Owner returns the id written into the lock word on acquisition.
func (m *Mutex) Owner() uint64 { return m.owner }

// TryLock attempts to take the lock and reports whether it succeeded.
func (m *Mutex) TryLock() bool {
	if !atomic.CompareAndSwapUint64(m.word(lockOffset), 0, m.owner) {
		return false
	}
	atomic.AddUint64(m.word(generationOffset), 1)
	return true
}

// Unlock releases the lock. The caller must hold it.
func (m *Mutex) Unlock() {
	atomic.CompareAndSwapUint64(m.word(lockOffset), m.owner, 0)
}

// ForceUnlock clears the lock if it is held by owner and reports whether it
// did. It is meant for a supervisor reclaiming the lock of a dead process.
func (m *Mutex) ForceUnlock(owner uint64) bool {
	return atomic.CompareAndSwapUint64(m.word(lockOffset), owner, 0)
}

// Holder returns the id of the current holder, zero when free.
func (m *Mutex) Holder() uint64 {
	return atomic.LoadUint64(m.word(lockOffset))
}

// Generation returns how many times the lock has been acquired since the
// segment was created.
func (m *Mutex) Generation() uint64 {
	return atomic.LoadUint64(m.word(generationOffset))
}
