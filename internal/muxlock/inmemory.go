package muxlock

import (
	"context"
	"sync"
	"time"

	"github.com/baechuer/outboxcore/internal/outboxerr"
)

const defaultPollInterval = 10 * time.Millisecond

// InMemoryStatic is a single-process StaticMutex backed by a 1-buffered
// channel acting as a lock token, the same "token channel" shape as the
// ChannelNotifier subscriber bookkeeping it is grounded on.
type InMemoryStatic struct {
	token chan struct{}
}

// NewInMemoryStatic returns an unlocked static mutex.
func NewInMemoryStatic() *InMemoryStatic {
	m := &InMemoryStatic{token: make(chan struct{}, 1)}
	m.token <- struct{}{}
	return m
}

func (m *InMemoryStatic) TryLock(ctx context.Context) (bool, error) {
	select {
	case <-m.token:
		return true, nil
	default:
		return false, nil
	}
}

func (m *InMemoryStatic) Lock(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-m.token:
		return nil
	case <-deadline:
		return outboxerr.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *InMemoryStatic) Unlock(ctx context.Context) error {
	select {
	case m.token <- struct{}{}:
		return nil
	default:
		return outboxerr.ErrManualReleaseAttempted
	}
}

// InMemoryDynamic is the keyed variant: one token channel per key, created
// lazily.
type InMemoryDynamic struct {
	mu     sync.Mutex
	tokens map[string]chan struct{}
}

// NewInMemoryDynamic returns an empty dynamic mutex set.
func NewInMemoryDynamic() *InMemoryDynamic {
	return &InMemoryDynamic{tokens: map[string]chan struct{}{}}
}

func (m *InMemoryDynamic) tokenFor(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.tokens[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		m.tokens[key] = ch
	}
	return ch
}

func (m *InMemoryDynamic) TryLock(ctx context.Context, key string) (bool, error) {
	select {
	case <-m.tokenFor(key):
		return true, nil
	default:
		return false, nil
	}
}

func (m *InMemoryDynamic) Lock(ctx context.Context, key string, timeout time.Duration) error {
	ch := m.tokenFor(key)
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-ch:
		return nil
	case <-deadline:
		return outboxerr.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *InMemoryDynamic) Unlock(ctx context.Context, key string) error {
	ch := m.tokenFor(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
		return outboxerr.ErrManualReleaseAttempted
	}
}
