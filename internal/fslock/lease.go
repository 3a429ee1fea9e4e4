// Package fslock provides cross-process exclusive leases on lock files and
// crash-safe whole-file writes.
package fslock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrBusy means another holder owns the lease.
	ErrBusy = errors.New("lease held by another writer")
	// ErrTimeout means the lease could not be acquired within the bound.
	ErrTimeout = errors.New("lease acquisition timed out")
)

// Options bounds lease acquisition.
type Options struct {
	// Timeout is the total time allowed for acquisition. Zero means a
	// single non-blocking attempt.
	Timeout time.Duration
	// Backoff is the initial sleep between attempts; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultOptions returns bounds suited to short critical sections.
func DefaultOptions() Options {
	return Options{
		Timeout:    5 * time.Second,
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 250 * time.Millisecond,
	}
}

// Lease is an exclusive advisory lock held on a lock file.
type Lease struct {
	path string
	f    *os.File
}

// Path returns the lock file path.
func (l *Lease) Path() string { return l.path }

// Acquire takes the lease on path, retrying with exponential backoff until
// opts.Timeout elapses or ctx is done.
func Acquire(ctx context.Context, path string, opts Options) (*Lease, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Millisecond
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	deadline := time.Now().Add(opts.Timeout)

	for {
		err := tryLock(f)
		if err == nil {
			return &Lease{path: path, f: f}, nil
		}
		if !errors.Is(err, ErrBusy) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			f.Close()
			if opts.Timeout == 0 {
				return nil, ErrBusy
			}
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, opts.Timeout, path)
		}
		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Release drops the lease. It is safe to call more than once.
func (l *Lease) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
