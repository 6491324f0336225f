package amqpbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/outboxcore/internal/message"
	"github.com/baechuer/outboxcore/internal/metrics"
	"github.com/baechuer/outboxcore/internal/outboxerr"
	"github.com/baechuer/outboxcore/pkg/logger"
)

// ExchangeResolver picks the exchange a message publishes to. A static
// exchange name is the common case; a function lets routing depend on
// message content.
type ExchangeResolver func(m message.Message) string

// StaticExchange returns an ExchangeResolver that always yields name.
func StaticExchange(name string) ExchangeResolver {
	return func(message.Message) string { return name }
}

// RoutingKeyResolver picks the routing key for a message. Defaults to
// String(message.Type) per SPEC_FULL.md §6.
type RoutingKeyResolver func(m message.Message) string

// DefaultRoutingKey is the RoutingKeyResolver used when none is supplied.
func DefaultRoutingKey(m message.Message) string { return m.Type }

// DispatcherOptions configures an AMQP Dispatcher.
type DispatcherOptions struct {
	Exchange   ExchangeResolver
	RoutingKey RoutingKeyResolver
	// MaxTries bounds publish attempts. Each retry releases and re-leases a
	// channel, so a channel the broker closed is replaced by a fresh one from
	// the pool. The pool keeps opening channels on the connection it was
	// built with; a closed connection is not redialed here.
	MaxTries int
	// LeaseTimeoutMs bounds how long a channel lease may block.
	LeaseTimeoutMs int
	// ConfirmTimeout bounds how long one attempt waits for the broker to
	// confirm the whole run (one timer per attempt, not per message).
	// Defaults to 5s.
	ConfirmTimeout time.Duration
}

func (o DispatcherOptions) maxTries() int {
	if o.MaxTries > 0 {
		return o.MaxTries
	}
	return 1
}

func (o DispatcherOptions) confirmTimeout() time.Duration {
	if o.ConfirmTimeout > 0 {
		return o.ConfirmTimeout
	}
	return 5 * time.Second
}

func (o DispatcherOptions) routingKey() RoutingKeyResolver {
	if o.RoutingKey != nil {
		return o.RoutingKey
	}
	return DefaultRoutingKey
}

// Dispatcher is the AMQP message dispatcher of SPEC_FULL.md §4.9: it
// resolves exchange/routing key per message, leases a channel, publishes
// the whole run as persistent JSON and awaits confirmation for every
// message before returning.
type Dispatcher struct {
	pool *ChannelPool
	opts DispatcherOptions
}

// NewDispatcher returns a Dispatcher publishing through pool.
func NewDispatcher(pool *ChannelPool, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{pool: pool, opts: opts}
}

// Send publishes every message in msgs and blocks until the broker has
// confirmed all of them, retrying the whole attempt up to MaxTries times on
// failure. It satisfies relay.Dispatcher.
func (d *Dispatcher) Send(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	log := logger.Component("amqpbroker.dispatcher")
	var lastErr error
	for attempt := 1; attempt <= d.opts.maxTries(); attempt++ {
		err := d.attempt(ctx, msgs)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("messages", len(msgs)).Msg("dispatch attempt failed")
	}
	return fmt.Errorf("%w: %v", outboxerr.ErrUnableToDispatchMessages, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, msgs []message.Message) error {
	pc, err := d.pool.Channel(ctx, d.opts.LeaseTimeoutMs)
	if err != nil {
		return err
	}
	defer func() { _ = d.pool.Release(pc) }()

	drain(pc)

	confirmsExpected := 0
	for _, m := range msgs {
		exchange := ""
		if d.opts.Exchange != nil {
			exchange = d.opts.Exchange(m)
		}
		routingKey := d.opts.routingKey()(m)

		body, err := json.Marshal(wireEnvelope{Type: m.Type, Payload: m.Payload, Headers: m.Headers})
		if err != nil {
			return fmt.Errorf("amqpbroker: encode %s: %w", m.Type, err)
		}

		if err := pc.Ch.PublishWithContext(ctx, exchange, routingKey, true, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		}); err != nil {
			return fmt.Errorf("amqpbroker: publish %s: %w", m.Type, err)
		}
		confirmsExpected++
	}

	return d.awaitConfirms(pc, confirmsExpected)
}

// drain discards any stale confirm/return notifications left from a prior
// lease of this channel, so they cannot be mistaken for this attempt's.
func drain(pc *PooledChannel) {
	for {
		select {
		case <-pc.ConfirmCh:
		case <-pc.ReturnCh:
		default:
			return
		}
	}
}

func (d *Dispatcher) awaitConfirms(pc *PooledChannel, expected int) error {
	started := time.Now()
	defer func() { metrics.ConfirmLatencySeconds.Observe(time.Since(started).Seconds()) }()

	timeout := time.NewTimer(d.opts.confirmTimeout())
	defer timeout.Stop()

	received := 0
	for received < expected {
		select {
		case ret := <-pc.ReturnCh:
			return fmt.Errorf("amqpbroker: unroutable message: code=%d text=%s", ret.ReplyCode, ret.ReplyText)
		case conf := <-pc.ConfirmCh:
			if !conf.Ack {
				return fmt.Errorf("amqpbroker: broker nacked delivery tag %d", conf.DeliveryTag)
			}
			received++
		case <-timeout.C:
			return fmt.Errorf("amqpbroker: timed out waiting for confirms (%d/%d received)", received, expected)
		}
	}
	return nil
}
