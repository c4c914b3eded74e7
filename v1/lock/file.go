//go:build unix

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// File implements Locker with flock(2) on one file per key under dir. The
// kernel drops the lock when the holding process exits, so the ttl is not
// needed and ignored.
type File struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFile returns a locker keeping its lock files in dir.
func NewFile(dir string) *File {
	return &File{dir: dir, files: make(map[string]*os.File)}
}

// Path returns the lock file used for key.
func (l *File) Path(key string) string {
	return filepath.Join(l.dir, key+".lock")
}

// TryLock implements Locker.TryLock.
func (l *File) TryLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.files[key]; held {
		return false, nil
	}
	f, err := os.OpenFile(l.Path(key), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return false, fmt.Errorf("lock: open %s: %w", l.Path(key), err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("lock: flock %s: %w", l.Path(key), err)
	}
	l.files[key] = f
	return true, nil
}

// Release implements Locker.Release.
func (l *File) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	f, ok := l.files[key]
	delete(l.files, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
