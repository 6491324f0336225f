package amqpbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/outboxcore/internal/outboxerr"
	"github.com/baechuer/outboxcore/pkg/logger"
)

// PooledChannel wraps an *amqp.Channel already switched into publisher-
// confirms mode (Confirm(false)), with its notification channels attached.
type PooledChannel struct {
	Ch        *amqp.Channel
	ConfirmCh <-chan amqp.Confirmation
	ReturnCh  <-chan amqp.Return
}

// ChannelPoolOptions bounds a ChannelPool's size.
type ChannelPoolOptions struct {
	Min int
	Max int
}

// ChannelPool is a fixed-capacity pool of confirm-channels over one
// connection. Leasing blocks up to a caller-supplied timeout when the pool
// is at capacity; a channel that the broker closes out from under the pool
// is evicted and replaced on the next lease.
type ChannelPool struct {
	conn *amqp.Connection
	opts ChannelPoolOptions

	mu      sync.Mutex
	idle    []*PooledChannel
	leased  map[*PooledChannel]bool
	total   int
	closed  bool
	waiters chan struct{}
}

// NewChannelPool opens opts.Min channels against conn eagerly and allows
// growth up to opts.Max under lease pressure.
func NewChannelPool(conn *amqp.Connection, opts ChannelPoolOptions) (*ChannelPool, error) {
	if opts.Max <= 0 {
		opts.Max = 1
	}
	if opts.Min > opts.Max {
		opts.Min = opts.Max
	}
	p := &ChannelPool{
		conn:    conn,
		opts:    opts,
		leased:  map[*PooledChannel]bool{},
		waiters: make(chan struct{}, opts.Max),
	}
	for i := 0; i < opts.Min; i++ {
		pc, err := p.newChannel()
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.idle = append(p.idle, pc)
		p.total++
	}
	return p, nil
}

func (p *ChannelPool) newChannel() (*PooledChannel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqpbroker: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqpbroker: enable confirms: %w", err)
	}
	pc := &PooledChannel{
		Ch:        ch,
		ConfirmCh: ch.NotifyPublish(make(chan amqp.Confirmation, 8)),
		ReturnCh:  ch.NotifyReturn(make(chan amqp.Return, 8)),
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	go p.watchClose(pc, closeCh)
	return pc, nil
}

// watchClose removes pc from the pool's bookkeeping once the broker closes
// it, so a subsequent Channel() call grows a fresh replacement instead of
// handing out a dead channel.
func (p *ChannelPool) watchClose(pc *PooledChannel, closeCh <-chan *amqp.Error) {
	<-closeCh
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leased[pc] {
		delete(p.leased, pc)
		p.total--
	} else {
		for i, c := range p.idle {
			if c == pc {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				p.total--
				break
			}
		}
	}
}

// Channel leases a channel, blocking up to timeoutMs if the pool is at
// capacity and every channel is leased. timeoutMs <= 0 waits indefinitely.
func (p *ChannelPool) Channel(ctx context.Context, timeoutMs int) (*PooledChannel, error) {
	deadline := time.Time{}
	if timeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("amqpbroker: pool closed")
		}
		if len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.leased[pc] = true
			p.mu.Unlock()
			return pc, nil
		}
		if p.total < p.opts.Max {
			p.total++
			p.mu.Unlock()
			pc, err := p.newChannel()
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.leased[pc] = true
			p.mu.Unlock()
			return pc, nil
		}
		p.mu.Unlock()

		wait := 10 * time.Millisecond
		if !deadline.IsZero() {
			if time.Now().After(deadline) {
				return nil, outboxerr.ErrTimeout
			}
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release returns pc to the pool. Releasing a channel this pool did not
// lease out is a programmer error.
func (p *ChannelPool) Release(pc *PooledChannel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.leased[pc] {
		return outboxerr.ErrChannelNotLeased
	}
	delete(p.leased, pc)
	if p.closed {
		_ = pc.Ch.Close()
		p.total--
		return nil
	}
	p.idle = append(p.idle, pc)
	return nil
}

// Close tears down every idle and leased channel and rejects subsequent
// leases.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	log := logger.Component("amqpbroker.pool")
	for _, pc := range p.idle {
		if err := pc.Ch.Close(); err != nil {
			log.Warn().Err(err).Msg("close idle channel")
		}
	}
	for pc := range p.leased {
		if err := pc.Ch.Close(); err != nil {
			log.Warn().Err(err).Msg("close leased channel")
		}
	}
	p.idle = nil
	p.leased = map[*PooledChannel]bool{}
	p.total = 0
	return nil
}
