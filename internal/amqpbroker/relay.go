package amqpbroker

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/outboxcore/internal/message"
	"github.com/baechuer/outboxcore/internal/metrics"
	"github.com/baechuer/outboxcore/pkg/logger"
)

// Consumer handles one inbound message. An error causes the relay to
// requeue-or-dead-letter the delivery per RelayOptions.MaxDeliveryAttempts.
type Consumer func(ctx context.Context, m message.Message) error

// RelayOptions configures the inbound partitioned relay.
type RelayOptions struct {
	QueueNames          []string
	MaxDeliveryAttempts int
	MaxConcurrency      int
}

func (o RelayOptions) maxDeliveryAttempts() int {
	if o.MaxDeliveryAttempts > 0 {
		return o.MaxDeliveryAttempts
	}
	return 10
}

func (o RelayOptions) maxConcurrency() int {
	if o.MaxConcurrency > 0 {
		return o.MaxConcurrency
	}
	return 20
}

// wireEnvelope is the JSON shape a delivery body decodes into, mirroring
// message.Message without exporting json.RawMessage plumbing to callers.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Headers map[string]any  `json:"headers"`
}

// Relay consumes from RelayOptions.QueueNames, partitions deliveries by
// aggregate key into MaxConcurrency serial worker lanes (so messages
// sharing an aggregate key are always handled by the same lane, in arrival
// order), and invokes a Consumer per message. Grounded on
// services/join-service/internal/infrastructure/rabbitmq/consumer.go's
// ExchangeDeclare/QueueDeclare/QueueBind/Qos/Consume shape, generalized into
// a reusable, partitioned, reconnecting relay.
type Relay struct {
	provider *Provider
	connName string
	consume  Consumer
	opts     RelayOptions
	counter  *DeliveryCounter

	mu       sync.Mutex
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRelay returns a Relay that dials through provider's named connection
// slot connName and invokes consume for every delivery.
func NewRelay(provider *Provider, connName string, consume Consumer, opts RelayOptions) *Relay {
	return &Relay{
		provider: provider,
		connName: connName,
		consume:  consume,
		opts:     opts,
		counter:  NewDeliveryCounter(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins consuming and returns once the first consume loop is
// attached; delivery handling runs in the background until Stop.
func (r *Relay) Start(ctx context.Context) error {
	return r.runOnce(ctx)
}

// Stop signals every worker lane to drain and stops the relay.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Relay) runOnce(ctx context.Context) error {
	log := logger.Component("amqpbroker.relay")

	conn, err := r.provider.Connection(r.connName)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(r.opts.maxConcurrency(), 0, false); err != nil {
		_ = ch.Close()
		return err
	}

	lanes := newPartitionLanes(r.opts.maxConcurrency(), r.handleDelivery)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		lanes.run()
	}()

	deliveries := map[string]<-chan amqp.Delivery{}
	for _, q := range r.opts.QueueNames {
		d, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			lanes.close()
			return err
		}
		deliveries[q] = d
	}

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			_ = ch.Close()
			lanes.close()
		}()

		var fanIn sync.WaitGroup
		for qname, d := range deliveries {
			qname, d := qname, d
			fanIn.Add(1)
			go func() {
				defer fanIn.Done()
				for {
					select {
					case <-r.stopCh:
						return
					case delivery, ok := <-d:
						if !ok {
							return
						}
						lanes.dispatch(qname, delivery)
					}
				}
			}()
		}

		select {
		case <-closeCh:
			log.Warn().Msg("channel closed; restarting consume loop")
		case <-r.stopCh:
		}
		fanIn.Wait()

		if !r.stopping {
			select {
			case <-r.stopCh:
			default:
				if restartErr := r.runOnce(context.Background()); restartErr != nil {
					log.Error().Err(restartErr).Msg("relay restart failed")
				}
			}
		}
	}()

	return nil
}

func (r *Relay) handleDelivery(ctx context.Context, queueName string, d amqp.Delivery) {
	log := logger.Component("amqpbroker.relay")

	var env wireEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Warn().Err(err).Msg("invalid envelope json; dropping")
		_ = d.Ack(false)
		return
	}

	headers := env.Headers
	if headers == nil {
		headers = map[string]any{}
	}
	headers[message.HeaderAMQPQueueName] = queueName
	m := message.Message{Type: env.Type, Payload: env.Payload, Headers: headers}

	eventID, _ := m.EventID()

	if err := r.consume(ctx, m); err != nil {
		attempts := r.opts.maxDeliveryAttempts()
		count := attempts
		if eventID != "" {
			count = r.counter.Increment(eventID)
		}
		requeue := count < attempts
		log.Warn().Err(err).Str("event_id", eventID).Int("attempt", count).Bool("requeue", requeue).Msg("consume failed")
		_ = d.Nack(false, requeue)
		if !requeue {
			metrics.DLQRoutesTotal.WithLabelValues(queueName).Inc()
			if eventID != "" {
				r.counter.Forget(eventID)
			}
		}
		return
	}

	if eventID != "" {
		r.counter.Forget(eventID)
	}
	_ = d.Ack(false)
}

// partitionLane is one serial processing lane: all deliveries routed to it
// are handled strictly in arrival order.
type partitionLane struct {
	in chan partitionedDelivery
}

type partitionedDelivery struct {
	queue string
	d     amqp.Delivery
}

// partitionLanes fans deliveries out across a fixed set of serial lanes,
// selecting a lane by CRC32(aggregate key) mod len(lanes) so that every
// message sharing an aggregate key lands on the same lane, in order.
type partitionLanes struct {
	lanes   []*partitionLane
	handle  func(ctx context.Context, queue string, d amqp.Delivery)
	closeWg sync.WaitGroup
}

func newPartitionLanes(n int, handle func(ctx context.Context, queue string, d amqp.Delivery)) *partitionLanes {
	pl := &partitionLanes{handle: handle}
	for i := 0; i < n; i++ {
		pl.lanes = append(pl.lanes, &partitionLane{in: make(chan partitionedDelivery, 64)})
	}
	return pl
}

func (pl *partitionLanes) run() {
	for _, lane := range pl.lanes {
		lane := lane
		pl.closeWg.Add(1)
		go func() {
			defer pl.closeWg.Done()
			for pd := range lane.in {
				pl.handle(context.Background(), pd.queue, pd.d)
			}
		}()
	}
	pl.closeWg.Wait()
}

func (pl *partitionLanes) close() {
	for _, lane := range pl.lanes {
		close(lane.in)
	}
}

func (pl *partitionLanes) dispatch(queue string, d amqp.Delivery) {
	key := partitionKey(d.Body)
	idx := crc32.ChecksumIEEE([]byte(key)) % uint32(len(pl.lanes))
	pl.lanes[idx].in <- partitionedDelivery{queue: queue, d: d}
}

// partitionKey extracts the aggregate_root_id from a raw delivery body for
// partition selection, falling back to the whole body (still deterministic,
// just coarser) if the body is not the expected envelope shape.
func partitionKey(body []byte) string {
	var probe struct {
		Headers map[string]any `json:"headers"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		if v, ok := probe.Headers[message.HeaderAggregateRootID]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			b, _ := json.Marshal(v)
			return string(b)
		}
	}
	return string(body)
}
