// Package outbox implements the outbox repository of SPEC_FULL.md §4.5: the
// durable side of the transactional-outbox pattern. Rows are written in the
// same database transaction as the domain change that produced them and
// retrieved later, in order, by a relay.
//
// The batch-claim query and persist/commit shape are grounded on
// services/join-service/internal/infrastructure/postgres/outbox_worker.go's
// processOutboxBatch and repository.go's transaction idiom, generalised from
// one fixed table into the Plain/Delayed/Throttled family spec.md §4.5
// describes.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/message"
)

// Repository is the contract all three outbox variants implement.
type Repository interface {
	// Persist appends rows for msgs. Zero messages is a no-op.
	Persist(ctx context.Context, msgs []message.Message) error
	// RetrieveBatch returns up to n eligible messages, ascending by id, each
	// augmented with outbox_id/outbox_table/outbox_consumed headers.
	RetrieveBatch(ctx context.Context, n int) ([]message.Message, error)
	// MarkConsumed marks the rows identified by msgs' outbox_id headers
	// consumed. No-op on empty input.
	MarkConsumed(ctx context.Context, msgs []message.Message) error
	// CleanupConsumedMessages deletes up to limit consumed rows, oldest
	// first, and returns how many were deleted.
	CleanupConsumedMessages(ctx context.Context, limit int) (int, error)
	// NumberOfPendingMessages counts not-yet-consumed rows.
	NumberOfPendingMessages(ctx context.Context) (int, error)
	// NumberOfConsumedMessages counts consumed rows.
	NumberOfConsumedMessages(ctx context.Context) (int, error)
	// Truncate removes every row and resets identity. Test support only.
	Truncate(ctx context.Context) error
}

// Clock abstracts time.Now for deterministic backoff/throttling tests.
type Clock func() time.Time

// systemClock is the default Clock, used when a variant is constructed
// without one.
func systemClock() time.Time { return time.Now() }

type outboxRow struct {
	id       int64
	consumed bool
	payload  json.RawMessage
}

// retrieveBatch runs the shared SELECT ... WHERE <predicate> ORDER BY id LIMIT n
// FOR UPDATE SKIP LOCKED query and decodes rows into envelopes augmented with
// outbox headers. predicate may reference extra placeholders starting at $2
// (n is always bound to $1); args supplies their values in order, e.g. a
// caller-supplied clock's now() for a "delay_until <= $2" predicate.
func retrieveBatch(ctx context.Context, cc *connctx.Context, table, predicate string, n int, args ...any) ([]message.Message, error) {
	var out []message.Message
	err := cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		rows, err := conn.Conn().Query(ctx, fmt.Sprintf(
			`SELECT id, consumed, payload FROM %s WHERE %s ORDER BY id ASC LIMIT $1 FOR UPDATE SKIP LOCKED`,
			table, predicate), append([]any{n}, args...)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r outboxRow
			if err := rows.Scan(&r.id, &r.consumed, &r.payload); err != nil {
				return err
			}
			var m message.Message
			if err := json.Unmarshal(r.payload, &m); err != nil {
				return err
			}
			m = m.WithHeader(message.HeaderOutboxID, r.id).
				WithHeader(message.HeaderOutboxTable, table).
				WithHeader(message.HeaderOutboxConsumed, r.consumed)
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// markConsumed sets the given set-clause on every row named by msgs' outbox
// ids. setClause must already be a trusted literal (never user input).
func markConsumed(ctx context.Context, cc *connctx.Context, table, setClause string, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		id, ok := m.OutboxID()
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	return cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		_, err := conn.Conn().Exec(ctx, fmt.Sprintf(
			`UPDATE %s SET %s WHERE id = ANY($1)`, table, setClause), ids)
		return err
	})
}

// cleanup deletes up to limit rows matching predicate, oldest first, using a
// sub-select so it works on dialects (and drivers) without DELETE ... LIMIT.
func cleanup(ctx context.Context, cc *connctx.Context, table, predicate string, limit int) (int, error) {
	var deleted int
	err := cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		tag, err := conn.Conn().Exec(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE %s ORDER BY id ASC LIMIT $1)`,
			table, table, predicate), limit)
		if err != nil {
			return err
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	return deleted, err
}

func count(ctx context.Context, cc *connctx.Context, table, predicate string) (int, error) {
	var n int
	err := cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		return conn.Conn().QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, predicate)).Scan(&n)
	})
	return n, err
}

func truncate(ctx context.Context, cc *connctx.Context, table string) error {
	return cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		_, err := conn.Conn().Exec(ctx, fmt.Sprintf(`TRUNCATE TABLE %s RESTART IDENTITY`, table))
		return err
	})
}
