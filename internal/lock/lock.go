// Package lock provides the interprocess file locking primitive shared by
// the resource allocator (state.yaml) and the sidecar repo manager
// (_agenttree/.sync.lock). Built on github.com/gofrs/flock: a sync.Mutex
// only excludes goroutines, and these files are contended by separate
// host processes.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/agenttree/agenttree/internal/apierr"
	"github.com/gofrs/flock"
)

// DefaultTimeout is the bounded acquire timeout shared by the state
// lock and the sidecar sync lock.
const DefaultTimeout = 5 * time.Second

// PollInterval is how often Acquire retries flock's TryLock.
const PollInterval = 50 * time.Millisecond

// FileLock wraps a single lock file path.
type FileLock struct {
	path string
}

// New returns a FileLock bound to path. The file is created on first lock
// if it does not exist.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// WithLock acquires the lock (bounded by timeout), runs fn, and always
// releases the lock afterward. If the lock cannot be acquired in time it
// returns a ResourceLocked error and fn is never called — callers (the
// sync loop) treat this as "skip this tick".
func (f *FileLock) WithLock(ctx context.Context, timeout time.Duration, fn func() error) error {
	fl := flock.New(f.path)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, PollInterval)
	if err != nil || !locked {
		return apierr.New(apierr.ResourceLocked, fmt.Sprintf("failed to acquire lock %s within %s", f.path, timeout))
	}
	defer func() { _ = fl.Unlock() }()

	return fn()
}

// TryWithLock attempts to acquire the lock without blocking. It returns
// (false, nil) immediately if the lock is already held, matching the sync
// loop's step 1 ("non-blocking; if held, skip this tick").
func (f *FileLock) TryWithLock(fn func() error) (acquired bool, err error) {
	fl := flock.New(f.path)

	locked, err := fl.TryLock()
	if err != nil {
		return false, apierr.Wrap(apierr.ResourceLocked, err)
	}
	if !locked {
		return false, nil
	}
	defer func() { _ = fl.Unlock() }()

	return true, fn()
}
