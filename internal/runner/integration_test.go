//go:build integration
// +build integration

package runner_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/message"
	"github.com/baechuer/outboxcore/internal/muxlock"
	"github.com/baechuer/outboxcore/internal/notify"
	"github.com/baechuer/outboxcore/internal/outbox"
	"github.com/baechuer/outboxcore/internal/relay"
	"github.com/baechuer/outboxcore/internal/runner"
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

func TestSingleRunnerDrainsPreExistingRowsThenStops(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS outbox_runner_single (
		id BIGSERIAL PRIMARY KEY, consumed BOOLEAN NOT NULL DEFAULT FALSE, payload JSON NOT NULL)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE outbox_runner_single RESTART IDENTITY`)
	require.NoError(t, err)

	cc := connctx.New(pool, connctx.Options{KeepConnections: 2, MaxIdle: time.Second})
	repo := outbox.NewPlain(cc, "outbox_runner_single")
	require.NoError(t, repo.Persist(ctx, []message.Message{message.New("order.created", nil)}))

	var dispatched int
	r := relay.New(repo, func(ctx context.Context, run []message.Message) error {
		dispatched += len(run)
		return nil
	})

	leader := muxlock.NewAdvisoryStatic(pool, "runner-single-test")
	rn := runner.NewSingle(cc, leader, r, runner.Options{
		ChannelName:       "relay__outbox_runner_single",
		BatchSize:         10,
		CommitSize:        10,
		PollInterval:      50 * time.Millisecond,
		LockRetryInterval: 20 * time.Millisecond,
	})

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startDone := make(chan error, 1)
	go func() { startDone <- rn.Start(runCtx) }()

	assert.Eventually(t, func() bool { return dispatched == 1 }, 2*time.Second, 20*time.Millisecond)

	rn.Stop()
	select {
	case err := <-startDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop in time")
	}

	assert.Equal(t, runner.StateStopped, rn.State())
}

func TestSingleRunnerWakesOnNotify(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS outbox_runner_notify (
		id BIGSERIAL PRIMARY KEY, consumed BOOLEAN NOT NULL DEFAULT FALSE, payload JSON NOT NULL)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE outbox_runner_notify RESTART IDENTITY`)
	require.NoError(t, err)

	cc := connctx.New(pool, connctx.Options{KeepConnections: 2, MaxIdle: time.Second})
	inner := outbox.NewPlain(cc, "outbox_runner_notify")
	wrapped := notify.New(inner, cc, "outbox_runner_notify", "relay", notify.StyleChannel)

	var dispatched int
	r := relay.New(wrapped, func(ctx context.Context, run []message.Message) error {
		dispatched += len(run)
		return nil
	})

	leader := muxlock.NewAdvisoryStatic(pool, "runner-notify-test")
	rn := runner.NewSingle(cc, leader, r, runner.Options{
		ChannelName:       "relay__outbox_runner_notify",
		BatchSize:         10,
		CommitSize:        10,
		PollInterval:      time.Hour, // poll disabled in practice; rely on NOTIFY
		LockRetryInterval: 20 * time.Millisecond,
	})

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startDone := make(chan error, 1)
	go func() { startDone <- rn.Start(runCtx) }()

	assert.Eventually(t, func() bool { return rn.State() == runner.StateListening }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, wrapped.Persist(ctx, []message.Message{message.New("order.created", nil)}))

	assert.Eventually(t, func() bool { return dispatched == 1 }, 2*time.Second, 20*time.Millisecond)

	rn.Stop()
	select {
	case err := <-startDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop in time")
	}
}
