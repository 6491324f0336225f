package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/message"
)

// Delayed is the outbox variant that postpones a message's eligibility by a
// backoff computed from its attempt count, per spec.md §4.5.
type Delayed struct {
	cc      *connctx.Context
	table   string
	backoff BackoffStrategy
	clock   Clock
}

// NewDelayed returns a Delayed outbox repository. A nil backoff defaults to
// LinearBackoff(5 * time.Second); a nil clock defaults to time.Now.
func NewDelayed(cc *connctx.Context, table string, backoff BackoffStrategy, clock Clock) *Delayed {
	if backoff == nil {
		backoff = LinearBackoff(5 * time.Second)
	}
	if clock == nil {
		clock = systemClock
	}
	return &Delayed{cc: cc, table: table, backoff: backoff, clock: clock}
}

func (d *Delayed) Persist(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return d.cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		for _, m := range msgs {
			attempt := m.Attempt()
			nextAttempt := attempt + 1
			delayUntil := d.clock().Add(d.backoff(attempt))

			decorated := m.WithHeader(message.HeaderAttempt, nextAttempt).
				WithHeader(message.HeaderDelayUntil, delayUntil.UnixMilli())

			payload, err := json.Marshal(decorated)
			if err != nil {
				return err
			}
			if _, err := conn.Conn().Exec(ctx, fmt.Sprintf(
				`INSERT INTO %s (consumed, payload, delay_until) VALUES (false, $1, $2)`, d.table),
				payload, delayUntil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Delayed) RetrieveBatch(ctx context.Context, n int) ([]message.Message, error) {
	return retrieveBatch(ctx, d.cc, d.table, "consumed = false AND delay_until <= $2", n, d.clock())
}

func (d *Delayed) MarkConsumed(ctx context.Context, msgs []message.Message) error {
	return markConsumed(ctx, d.cc, d.table, "consumed = true", msgs)
}

func (d *Delayed) CleanupConsumedMessages(ctx context.Context, limit int) (int, error) {
	return cleanup(ctx, d.cc, d.table, "consumed = true", limit)
}

func (d *Delayed) NumberOfPendingMessages(ctx context.Context) (int, error) {
	return count(ctx, d.cc, d.table, "consumed = false")
}

func (d *Delayed) NumberOfConsumedMessages(ctx context.Context) (int, error) {
	return count(ctx, d.cc, d.table, "consumed = true")
}

func (d *Delayed) Truncate(ctx context.Context) error {
	return truncate(ctx, d.cc, d.table)
}
