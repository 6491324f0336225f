//go:build integration
// +build integration

package connctx_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/outboxerr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("skipping integration test: TEST_DB_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestBeginCommitIsolation(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS connctx_probe (id INT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE connctx_probe`)
	require.NoError(t, err)

	cc := connctx.New(pool, connctx.Options{KeepConnections: 2, MaxIdle: time.Second})

	tx, err := cc.Begin(ctx)
	require.NoError(t, err)

	_, err = tx.Conn().Exec(ctx, `INSERT INTO connctx_probe (id) VALUES (1)`)
	require.NoError(t, err)

	// Not yet visible outside the transaction.
	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM connctx_probe`).Scan(&count))
	assert.Equal(t, 0, count)

	require.NoError(t, cc.Commit(ctx, tx))

	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM connctx_probe`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestBeginTwiceFails(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	cc := connctx.New(pool, connctx.Options{})

	tx, err := cc.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = cc.Rollback(ctx, tx, nil) }()

	_, err = cc.Begin(ctx)
	assert.ErrorIs(t, err, outboxerr.ErrAlreadyInTransaction)
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS connctx_probe (id INT PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE connctx_probe`)
	require.NoError(t, err)

	cc := connctx.New(pool, connctx.Options{})
	sentinel := assert.AnError

	err = cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		if _, err := conn.Conn().Exec(ctx, `INSERT INTO connctx_probe (id) VALUES (2)`); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM connctx_probe WHERE id = 2`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestRunInTransactionDoesNotNestBegin(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	cc := connctx.New(pool, connctx.Options{})

	calls := 0
	err := cc.RunInTransaction(ctx, func(ctx context.Context, outer *connctx.PooledConn) error {
		return cc.RunInTransaction(ctx, func(ctx context.Context, inner *connctx.PooledConn) error {
			calls++
			assert.Same(t, outer, inner, "nested RunInTransaction must reuse the same connection")
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestFlushSharedContextFailsWithOpenTransaction(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	cc := connctx.New(pool, connctx.Options{})

	tx, err := cc.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = cc.Rollback(ctx, tx, nil) }()

	err = cc.FlushSharedContext(ctx)
	assert.ErrorIs(t, err, outboxerr.ErrDanglingTransaction)
}

func TestClaimKeepsFreelistWarmUpToLimit(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	cc := connctx.New(pool, connctx.Options{KeepConnections: 1, MaxIdle: time.Minute})

	conn, err := cc.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Release(ctx, nil))

	// A second claim should reuse the freelist entry rather than claiming a
	// brand-new physical connection; we can't observe identity directly
	// through the pool API, so we assert the operation still succeeds and
	// a further release/claim pair also succeeds (no freelist corruption).
	conn2, err := cc.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, conn2.Release(ctx, nil))

	require.NoError(t, cc.FlushSharedContext(ctx))
}

func TestCommitWithMismatchedConnectionFails(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()
	cc := connctx.New(pool, connctx.Options{})

	tx, err := cc.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = cc.Rollback(ctx, tx, nil) }()

	other := &connctx.PooledConn{}
	err = cc.Commit(ctx, other)
	assert.ErrorIs(t, err, outboxerr.ErrTransactionMismatch)
}
