// Package flock implements advisory locks on sidecar lock files.
//
// A Lock guards a data file against concurrent access by other processes. It
// does not protect against other goroutines of the same process; callers
// serialize those with their own mutex.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when the lock is held by someone else.
var ErrLocked = errors.New("lock is held by another process")

// retryInterval is the delay between two attempts of Acquire.
const retryInterval = 20 * time.Millisecond

// Lock is a held advisory lock.
type Lock struct {
	f         *os.File
	exclusive bool
}

// TryAcquire creates path if needed and takes the lock without waiting.
//
// It returns an error wrapping ErrLocked when the lock is contended.
func TryAcquire(path string, exclusive bool) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lock(f, exclusive); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Lock{f: f, exclusive: exclusive}, nil
}

// Acquire is like TryAcquire but retries while the lock is contended, until
// ctx is done.
//
// On expiry the returned error wraps both ErrLocked and the context error.
func Acquire(ctx context.Context, path string, exclusive bool) (*Lock, error) {
	t := time.NewTicker(retryInterval)
	defer t.Stop()
	for {
		l, err := TryAcquire(path, exclusive)
		if !errors.Is(err, ErrLocked) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}

// Exclusive reports whether the lock excludes readers.
func (l *Lock) Exclusive() bool {
	return l.exclusive
}

// Release unlocks and closes the lock file. The file itself is kept.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if err2 := l.f.Close(); err == nil {
		err = err2
	}
	l.f = nil
	return err
}
