package lease

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// FileLease is an advisory file lock. It only excludes processes on the same host and is
// released by the kernel when the holding process exits.
type FileLease struct {
	path   string
	holder string

	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileLease creates a lease on the given lock file
func NewFileLease(path, holder string) *FileLease {
	return &FileLease{path: path, holder: holder}
}

// Holder implements Lease
func (l *FileLease) Holder() string {
	return l.holder
}

// Acquire implements Lease. It never blocks.
func (l *FileLease) Acquire(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock != nil && l.lock.Locked() {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, errors.Wrapf(err, "failed to create lease directory for %s", l.path)
	}
	fileLock := flock.New(l.path)
	locked, err := fileLock.TryLock()
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lease %s", l.path)
	}
	if !locked {
		return false, nil
	}
	l.lock = fileLock
	return true, nil
}

// Renew implements Lease. A file lock does not expire, so renewing only checks it is still held.
func (l *FileLease) Renew(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock != nil && l.lock.Locked(), nil
}

// Release implements Lease
func (l *FileLease) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil {
		return nil
	}
	err := l.lock.Unlock()
	l.lock = nil
	if err != nil {
		return errors.Wrapf(err, "failed to release lease %s", l.path)
	}
	return nil
}
