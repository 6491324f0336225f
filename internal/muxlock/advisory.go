package muxlock

import (
	"context"
	"sync"
	"time"

	"github.com/baechuer/outboxcore/internal/outboxerr"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryStatic is a StaticMutex backed by a Postgres session-scoped
// advisory lock. Per SPEC_FULL.md §4.2, acquisition always claims a
// connection dedicated to the lock — never one shared with workload
// queries — so that a workload transaction's release (or a pool's health
// check) cannot accidentally drop the lock out from under its holder.
type AdvisoryStatic struct {
	pool *pgxpool.Pool
	key  int64

	mu   sync.Mutex
	conn *pgxpool.Conn // non-nil while held
}

// NewAdvisoryStatic derives its advisory-lock key from name.
func NewAdvisoryStatic(pool *pgxpool.Pool, name string) *AdvisoryStatic {
	return &AdvisoryStatic{pool: pool, key: keyToInt64(name)}
}

func (m *AdvisoryStatic) TryLock(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return false, nil // already held by this instance
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, m.key).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	m.conn = conn
	return true, nil
}

func (m *AdvisoryStatic) Lock(ctx context.Context, timeout time.Duration) error {
	return pollLock(ctx, timeout, defaultPollInterval*10, m.TryLock)
}

func (m *AdvisoryStatic) Unlock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return outboxerr.ErrManualReleaseAttempted
	}

	_, err := m.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, m.key)
	m.conn.Release()
	m.conn = nil
	return err
}

// AdvisoryDynamic is the keyed variant of AdvisoryStatic: each distinct key
// gets its own dedicated connection for the lifetime it is held.
type AdvisoryDynamic struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*pgxpool.Conn
}

// NewAdvisoryDynamic returns an empty keyed advisory-lock set over pool.
func NewAdvisoryDynamic(pool *pgxpool.Pool) *AdvisoryDynamic {
	return &AdvisoryDynamic{pool: pool, held: map[string]*pgxpool.Conn{}}
}

func (m *AdvisoryDynamic) TryLock(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	if _, already := m.held[key]; already {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, keyToInt64(key)).Scan(&ok); err != nil {
		conn.Release()
		return false, err
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	m.mu.Lock()
	m.held[key] = conn
	m.mu.Unlock()
	return true, nil
}

func (m *AdvisoryDynamic) Lock(ctx context.Context, key string, timeout time.Duration) error {
	return pollLock(ctx, timeout, defaultPollInterval*10, func(ctx context.Context) (bool, error) {
		return m.TryLock(ctx, key)
	})
}

func (m *AdvisoryDynamic) Unlock(ctx context.Context, key string) error {
	m.mu.Lock()
	conn, ok := m.held[key]
	if ok {
		delete(m.held, key)
	}
	m.mu.Unlock()

	if !ok {
		return outboxerr.ErrManualReleaseAttempted
	}

	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, keyToInt64(key))
	conn.Release()
	return err
}
