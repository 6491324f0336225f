package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/message"
)

// Plain is the base outbox variant: rows are eligible the instant they are
// written, with no delay or throttling.
type Plain struct {
	cc    *connctx.Context
	table string
}

// NewPlain returns a Plain outbox repository backed by table.
func NewPlain(cc *connctx.Context, table string) *Plain {
	return &Plain{cc: cc, table: table}
}

func (p *Plain) Persist(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.cc.RunInTransaction(ctx, func(ctx context.Context, conn *connctx.PooledConn) error {
		for _, m := range msgs {
			payload, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if _, err := conn.Conn().Exec(ctx, fmt.Sprintf(
				`INSERT INTO %s (consumed, payload) VALUES (false, $1)`, p.table), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Plain) RetrieveBatch(ctx context.Context, n int) ([]message.Message, error) {
	return retrieveBatch(ctx, p.cc, p.table, "consumed = false", n)
}

func (p *Plain) MarkConsumed(ctx context.Context, msgs []message.Message) error {
	return markConsumed(ctx, p.cc, p.table, "consumed = true", msgs)
}

func (p *Plain) CleanupConsumedMessages(ctx context.Context, limit int) (int, error) {
	return cleanup(ctx, p.cc, p.table, "consumed = true", limit)
}

func (p *Plain) NumberOfPendingMessages(ctx context.Context) (int, error) {
	return count(ctx, p.cc, p.table, "consumed = false")
}

func (p *Plain) NumberOfConsumedMessages(ctx context.Context) (int, error) {
	return count(ctx, p.cc, p.table, "consumed = true")
}

func (p *Plain) Truncate(ctx context.Context) error {
	return truncate(ctx, p.cc, p.table)
}
