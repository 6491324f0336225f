// Command outboxrelay is the demo wiring of SPEC_FULL.md §6: one
// multi-stream runner serving three outbox variants (plain, delayed,
// throttled) against a single AMQP exchange, modeled on
// services/join-service/api/cmd/main.go's config-load -> pool -> repo ->
// worker -> signal-aware-shutdown wiring style.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/outboxcore/internal/amqpbroker"
	"github.com/baechuer/outboxcore/internal/config"
	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/message"
	"github.com/baechuer/outboxcore/internal/metrics"
	"github.com/baechuer/outboxcore/internal/muxlock"
	"github.com/baechuer/outboxcore/internal/notify"
	"github.com/baechuer/outboxcore/internal/outbox"
	"github.com/baechuer/outboxcore/internal/relay"
	"github.com/baechuer/outboxcore/internal/runner"
	"github.com/baechuer/outboxcore/pkg/logger"
)

func main() {
	logger.Init()
	log := logger.Component("cmd.outboxrelay")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("pgxpool connect failed")
	}
	defer pool.Close()

	cc := connctx.New(pool, connctx.Options{
		KeepConnections: 4,
		MaxIdle:         30 * time.Second,
	})

	leader := muxlock.NewAdvisoryStatic(pool, "outboxrelay.leader")

	provider := amqpbroker.NewProvider(amqpbroker.StaticURL(cfg.RabbitURL), amqpbroker.ProviderOptions{})
	conn, err := provider.Connection("")
	if err != nil {
		log.Fatal().Err(err).Msg("amqp connect failed")
	}
	defer func() { _ = provider.Close() }()

	channelPool, err := amqpbroker.NewChannelPool(conn, amqpbroker.ChannelPoolOptions{Min: 2, Max: 8})
	if err != nil {
		log.Fatal().Err(err).Msg("amqp channel pool failed")
	}
	defer func() { _ = channelPool.Close() }()

	dispatcher := amqpbroker.NewDispatcher(channelPool, amqpbroker.DispatcherOptions{
		Exchange:   amqpbroker.StaticExchange(cfg.RabbitExchange),
		RoutingKey: amqpbroker.DefaultRoutingKey,
		MaxTries:   3,
	})
	dispatch := func(dctx context.Context, msgs []message.Message) error {
		return dispatcher.Send(dctx, msgs)
	}

	plainOutbox := notify.New(outbox.NewPlain(cc, "orders_outbox"), cc, "orders_outbox", "outbox", notify.StyleBoth)
	delayedOutbox := notify.New(
		outbox.NewDelayed(cc, "orders_outbox_delayed", outbox.LinearBackoff(time.Second), time.Now),
		cc, "orders_outbox_delayed", "outbox", notify.StyleBoth,
	)
	throttledOutbox := notify.New(
		outbox.NewThrottled(cc, "notifications_outbox_throttled", cfg.ThrottleWindow, notificationKey, time.Now),
		cc, "notifications_outbox_throttled", "outbox", notify.StyleBoth,
	)

	relays := map[string]*relay.Relay{
		"orders_outbox":                  relay.NewNamed(plainOutbox, dispatch, "orders_outbox"),
		"orders_outbox_delayed":          relay.NewNamed(delayedOutbox, dispatch, "orders_outbox_delayed"),
		"notifications_outbox_throttled": relay.NewNamed(throttledOutbox, dispatch, "notifications_outbox_throttled"),
	}

	r := runner.NewMulti(cc, leader, relays, runner.Options{
		ChannelName:       "outbox",
		BatchSize:         cfg.BatchSize,
		CommitSize:        cfg.CommitSize,
		PollInterval:      cfg.PollInterval,
		LockRetryInterval: cfg.LockRetryDelay,
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped with error")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Msg("outbox relay starting")
	if err := r.Start(ctx); err != nil {
		log.Error().Err(err).Msg("outbox relay stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("outbox relay stopped cleanly")
}

// notificationKey derives the throttled outbox's idempotency key from a
// message's aggregate root id, collapsing bursts of updates to the same
// aggregate within the configured window.
func notificationKey(m message.Message) string {
	if id, ok := m.AggregateRootID(); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return m.Type
}
