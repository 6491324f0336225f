package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/message"
)

// KeyResolver derives the idempotency key a throttled outbox rate-limits on.
type KeyResolver func(m message.Message) string

// Throttled is the outbox variant of spec.md §4.5: at most one publication
// per rolling window per idempotency key, collapsing bursts to the most
// recent payload while still guaranteeing a post-window publication.
//
// The write-time upsert is a single INSERT ... ON CONFLICT DO UPDATE whose
// SET clause encodes all four branches of the upsert policy as CASE
// expressions over the existing row (qualified by table name, per
// PostgreSQL's upsert convention) versus EXCLUDED (the proposed row) — one
// round trip per message, no read-modify-write race window.
type Throttled struct {
	cc     *connctx.Context
	table  string
	window time.Duration
	keyFn  KeyResolver
	clock  Clock
}

// NewThrottled returns a Throttled outbox repository rate-limiting by
// keyFn(message) to one publication per window.
func NewThrottled(cc *connctx.Context, table string, window time.Duration, keyFn KeyResolver, clock Clock) *Throttled {
	if clock == nil {
		clock = systemClock
	}
	return &Throttled{cc: cc, table: table, window: window, keyFn: keyFn, clock: clock}
}

func (t *Throttled) Persist(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return t.cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		for _, m := range msgs {
			key := t.keyFn(m)
			now := t.clock()
			delayUntil := now.Add(t.window)

			decorated := m.WithHeader(message.HeaderDelayUntil, delayUntil.UnixMilli())
			payload, err := json.Marshal(decorated)
			if err != nil {
				return err
			}

			_, err = conn.Conn().Exec(ctx, fmt.Sprintf(`
				INSERT INTO %[1]s (idempotency_key, consumed_initially, should_dispatch_delayed, consumed_delayed, payload, delay_until)
				VALUES ($1, false, false, false, $2, $3)
				ON CONFLICT (idempotency_key) DO UPDATE SET
					payload = EXCLUDED.payload,
					delay_until = CASE
						WHEN NOT %[1]s.consumed_initially THEN %[1]s.delay_until
						WHEN %[1]s.consumed_initially AND $4 >= %[1]s.delay_until THEN EXCLUDED.delay_until
						ELSE %[1]s.delay_until
					END,
					consumed_initially = CASE
						WHEN NOT %[1]s.consumed_initially THEN false
						WHEN %[1]s.consumed_initially AND $4 >= %[1]s.delay_until THEN false
						ELSE true
					END,
					should_dispatch_delayed = CASE
						WHEN NOT %[1]s.consumed_initially THEN false
						WHEN %[1]s.consumed_initially AND $4 >= %[1]s.delay_until THEN false
						ELSE true
					END,
					consumed_delayed = CASE
						WHEN NOT %[1]s.consumed_initially THEN false
						WHEN %[1]s.consumed_initially AND $4 >= %[1]s.delay_until THEN false
						ELSE %[1]s.consumed_delayed
					END
			`, t.table), key, payload, delayUntil, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// RetrieveBatch returns the union of not-yet-initially-consumed rows and
// due delayed-publication rows. Each message's outbox_consumed header
// carries the row's consumed_initially value as observed at read time — the
// phase marker MarkConsumed uses to know which column to flip.
func (t *Throttled) RetrieveBatch(ctx context.Context, n int) ([]message.Message, error) {
	var out []message.Message
	now := t.clock()
	err := t.cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		rows, err := conn.Conn().Query(ctx, fmt.Sprintf(`
			SELECT id, consumed_initially, payload
			FROM %s
			WHERE consumed_initially = false
			   OR (consumed_initially = true AND should_dispatch_delayed = true AND consumed_delayed = false AND delay_until <= $2)
			ORDER BY id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, t.table), n, now)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			var consumedInitially bool
			var payload json.RawMessage
			if err := rows.Scan(&id, &consumedInitially, &payload); err != nil {
				return err
			}
			var m message.Message
			if err := json.Unmarshal(payload, &m); err != nil {
				return err
			}
			m = m.WithHeader(message.HeaderOutboxID, id).
				WithHeader(message.HeaderOutboxTable, t.table).
				WithHeader(message.HeaderOutboxConsumed, consumedInitially)
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func (t *Throttled) MarkConsumed(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return t.cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		for _, m := range msgs {
			id, ok := m.OutboxID()
			if !ok {
				continue
			}
			wasInitialPhase, _ := m.Header(message.HeaderOutboxConsumed)
			column := "consumed_initially"
			if already, _ := wasInitialPhase.(bool); already {
				column = "consumed_delayed"
			}
			if _, err := conn.Conn().Exec(ctx, fmt.Sprintf(
				`UPDATE %s SET %s = true WHERE id = $1`, t.table, column), id); err != nil {
				return err
			}
		}
		return nil
	})
}

// CleanupConsumedMessages deletes rows whose window (plus a grace period
// equal to the window itself) has fully elapsed, so a row about to be
// re-upserted as a fresh publication is never deleted out from under it.
func (t *Throttled) CleanupConsumedMessages(ctx context.Context, limit int) (int, error) {
	var deleted int
	now := t.clock()
	err := t.cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		tag, err := conn.Conn().Exec(ctx, fmt.Sprintf(`
			DELETE FROM %[1]s WHERE id IN (
				SELECT id FROM %[1]s
				WHERE consumed_initially = true
				  AND (should_dispatch_delayed = false OR consumed_delayed = true)
				  AND (delay_until + ($2 * INTERVAL '1 millisecond')) <= $3
				ORDER BY id ASC
				LIMIT $1
			)`, t.table), limit, t.window.Milliseconds(), now)
		if err != nil {
			return err
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	return deleted, err
}

func (t *Throttled) NumberOfPendingMessages(ctx context.Context) (int, error) {
	return count(ctx, t.cc, t.table,
		"consumed_initially = false OR (should_dispatch_delayed = true AND consumed_delayed = false)")
}

func (t *Throttled) NumberOfConsumedMessages(ctx context.Context) (int, error) {
	return count(ctx, t.cc, t.table,
		"consumed_initially = true AND (should_dispatch_delayed = false OR consumed_delayed = true)")
}

func (t *Throttled) Truncate(ctx context.Context) error {
	return truncate(ctx, t.cc, t.table)
}
