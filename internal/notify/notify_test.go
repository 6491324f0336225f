//go:build integration
// +build integration

package notify_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/message"
	"github.com/baechuer/outboxcore/internal/notify"
	"github.com/baechuer/outboxcore/internal/outbox"
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

func TestPersistEmitsChannelNotifyAfterCommit(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS outbox_notify_channel (
		id BIGSERIAL PRIMARY KEY, consumed BOOLEAN NOT NULL DEFAULT FALSE, payload JSON NOT NULL)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE outbox_notify_channel RESTART IDENTITY`)
	require.NoError(t, err)

	cc := connctx.New(pool, connctx.Options{KeepConnections: 2, MaxIdle: time.Second})
	inner := outbox.NewPlain(cc, "outbox_notify_channel")
	wrapped := notify.New(inner, cc, "outbox_notify_channel", "relay", notify.StyleChannel)

	listener := notify.NewListener(cc, "relay__outbox_notify_channel")
	received := make(chan string, 1)

	listenCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	go func() {
		_ = listener.Listen(listenCtx, func(payload string) {
			select {
			case received <- payload:
			default:
			}
		})
	}()

	time.Sleep(100 * time.Millisecond) // let LISTEN register before we NOTIFY

	require.NoError(t, wrapped.Persist(ctx, []message.Message{message.New("x", nil)}))

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for NOTIFY")
	}
}

func TestPersistWithStyleNoneWritesAndLeavesNoTransactionOpen(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS outbox_notify_none (
		id BIGSERIAL PRIMARY KEY, consumed BOOLEAN NOT NULL DEFAULT FALSE, payload JSON NOT NULL)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE outbox_notify_none RESTART IDENTITY`)
	require.NoError(t, err)

	cc := connctx.New(pool, connctx.Options{KeepConnections: 2, MaxIdle: time.Second})
	inner := outbox.NewPlain(cc, "outbox_notify_none")
	wrapped := notify.New(inner, cc, "outbox_notify_none", "relay", notify.StyleNone)

	require.NoError(t, wrapped.Persist(ctx, []message.Message{message.New("x", nil)}))
	assert.False(t, cc.InTransaction())

	pending, err := wrapped.NumberOfPendingMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
