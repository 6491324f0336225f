//go:build integration
// +build integration

package muxlock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/baechuer/outboxcore/internal/muxlock"
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

func TestAdvisoryStaticExclusiveAcrossInstances(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	a := muxlock.NewAdvisoryStatic(pool, "relay-leader")
	b := muxlock.NewAdvisoryStatic(pool, "relay-leader")

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "a second holder must not acquire the same advisory key")

	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock becomes available once the first holder releases")
	require.NoError(t, b.Unlock(ctx))
}

func TestAdvisoryStaticDistinctNamesDoNotContend(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	a := muxlock.NewAdvisoryStatic(pool, "outbox_publish__orders")
	b := muxlock.NewAdvisoryStatic(pool, "outbox_publish__invoices")

	okA, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, okA)
	defer func() { _ = a.Unlock(ctx) }()

	okB, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, okB)
	defer func() { _ = b.Unlock(ctx) }()
}

func TestAdvisoryStaticLockTimeout(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	a := muxlock.NewAdvisoryStatic(pool, "relay-leader-timeout")
	b := muxlock.NewAdvisoryStatic(pool, "relay-leader-timeout")

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = a.Unlock(ctx) }()

	err = b.Lock(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, outboxerr.ErrLockTimeout)
}

func TestAdvisoryStaticUnlockWithoutHoldingIsError(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	a := muxlock.NewAdvisoryStatic(pool, "relay-leader-unheld")
	err := a.Unlock(ctx)
	assert.ErrorIs(t, err, outboxerr.ErrManualReleaseAttempted)
}
