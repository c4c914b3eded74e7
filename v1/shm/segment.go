//go:build unix

package shm

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// SegmentSize is the size of the shared block. It is at least one cache
	// line so the lock word never shares a line with unrelated data.
	SegmentSize = 128
	// DefaultName identifies the keepalive lock segment.
	DefaultName = "keepalive_zone"
)

// Segment is a memory-mapped block shared by all processes that open the
// same path.
type Segment struct {
	name string
	path string
	data []byte

	mu     sync.Mutex
	closed bool
}

// Open maps the segment backed by path, creating and sizing the file when
// needed. Creation is serialized across processes with an exclusive flock
// on the backing file, so a concurrent Open never observes a short file.
func Open(path, name string) (*Segment, error) {
	if name == "" {
		name = DefaultName
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return nil, fmt.Errorf("shm: flock %s: %w", path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN) //nolint:errcheck

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if st.Size() < SegmentSize {
		if err := f.Truncate(SegmentSize); err != nil {
			return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(fd, 0, SegmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Segment{name: name, path: path, data: data}, nil
}

// Name returns the segment identifier.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file.
func (s *Segment) Path() string { return s.path }

// Close unmaps the segment. The backing file is left in place so other
// processes keep their view of the lock.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Munmap(s.data)
}
