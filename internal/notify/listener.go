package notify

import (
	"context"
	"fmt"

	"github.com/baechuer/outboxcore/internal/connctx"
)

// Listener issues LISTEN on a dedicated connection and delivers each
// notification's payload to a caller-supplied handler. It is the LISTEN-side
// counterpart to Outbox's NOTIFY emission, used by relay runners (C8) to
// wake on writes instead of relying solely on their poll fallback.
type Listener struct {
	cc      *connctx.Context
	channel string
}

// NewListener returns a Listener that will LISTEN on channel.
func NewListener(cc *connctx.Context, channel string) *Listener {
	return &Listener{cc: cc, channel: channel}
}

// Listen claims a fresh connection (never one shared with workload queries,
// so a long-running workload transaction can never drop the subscription),
// issues LISTEN, and invokes onNotify once per notification until ctx is
// cancelled or the connection errors. It releases the connection before
// returning.
func (l *Listener) Listen(ctx context.Context, onNotify func(payload string)) error {
	conn, err := l.cc.ClaimFresh(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Release(ctx, nil) }()

	if _, err := conn.Conn().Exec(ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return err
	}

	for {
		n, err := conn.Conn().Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		onNotify(n.Payload)
	}
}
