// Package muxlock provides the static (single-key) and dynamic (keyed)
// mutex abstractions of SPEC_FULL.md §4.2: an in-memory implementation for
// single-process serialisation, and a Postgres session-advisory-lock
// implementation for distributed leader election across application nodes.
package muxlock

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/baechuer/outboxcore/internal/outboxerr"
)

// StaticMutex is an exclusive, non-reentrant lock.
type StaticMutex interface {
	// TryLock attempts to acquire the lock without blocking.
	TryLock(ctx context.Context) (bool, error)
	// Lock blocks until acquired or timeout elapses, returning
	// outboxerr.ErrLockTimeout on expiry. timeout <= 0 means wait forever
	// (bounded only by ctx).
	Lock(ctx context.Context, timeout time.Duration) error
	// Unlock releases the lock. Unlocking a mutex not held by the caller is
	// an error.
	Unlock(ctx context.Context) error
}

// DynamicMutex is the keyed variant: locks on distinct keys never contend.
type DynamicMutex interface {
	TryLock(ctx context.Context, key string) (bool, error)
	Lock(ctx context.Context, key string, timeout time.Duration) error
	Unlock(ctx context.Context, key string) error
}

// keyToInt64 derives a stable advisory-lock integer key from an arbitrary
// string, the "converter-derived integer key" SPEC_FULL.md §4.2 asks for.
func keyToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// pollLock is the "retry tryLock at an interval, bounded by timeout and ctx"
// loop used by the advisory implementations, since a Postgres session
// advisory lock has no caller-specified acquisition timeout of its own. The
// in-memory implementations wait on their token channel directly instead.
func pollLock(ctx context.Context, timeout time.Duration, interval time.Duration, tryLock func(context.Context) (bool, error)) error {
	ok, err := tryLock(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return outboxerr.ErrLockTimeout
		case <-ticker.C:
			ok, err := tryLock(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}
