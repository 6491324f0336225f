// Package notify implements the notifying outbox decorator of
// SPEC_FULL.md §4.6: it wraps any outbox.Repository and, on persist, emits a
// transactional NOTIFY so a relay runner can wake immediately instead of
// waiting for its poll fallback.
//
// Grounded on the teacher's transaction idiom (begin/commit/rollback around
// a unit of work in repository.go) generalised to wrap an arbitrary
// outbox.Repository's Persist, and on oriys-nova's eventbus/outbox_relay.go
// NOTIFY-after-write pattern for the wire format.
package notify

import (
	"context"
	"fmt"

	"github.com/baechuer/outboxcore/internal/connctx"
	"github.com/baechuer/outboxcore/internal/message"
	"github.com/baechuer/outboxcore/internal/outbox"
)

// Style selects which NOTIFY channel(s) a persist emits to.
type Style int

const (
	// StyleNone emits no NOTIFY; equivalent to using the inner outbox
	// directly.
	StyleNone Style = iota
	// StyleChannel emits NOTIFY <channel>__<table>, one dedicated channel
	// per outbox table.
	StyleChannel
	// StyleCentral emits NOTIFY <channel>, '<table>' on a channel shared
	// across every outbox table.
	StyleCentral
	// StyleBoth emits both.
	StyleBoth
)

// Outbox wraps inner with transactional NOTIFY emission on Persist. All
// other operations pass through unchanged.
type Outbox struct {
	inner   outbox.Repository
	cc      *connctx.Context
	table   string
	channel string
	style   Style
}

// New wraps inner. channel is the base NOTIFY channel name; table names the
// outbox for the purposes of the channel-per-table and central payload
// conventions.
func New(inner outbox.Repository, cc *connctx.Context, table, channel string, style Style) *Outbox {
	return &Outbox{inner: inner, cc: cc, table: table, channel: channel, style: style}
}

// Persist writes msgs and, if style != StyleNone, emits the configured
// NOTIFY(s) atomically with the write: if no transaction is active in cc,
// one is begun here and committed on success (rolled back on failure);
// otherwise the caller's transaction carries both, so consumers only
// observe the NOTIFY once the writes are visible.
func (o *Outbox) Persist(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if o.style == StyleNone {
		return o.inner.Persist(ctx, msgs)
	}

	began := !o.cc.InTransaction()
	var tx *connctx.PooledConn
	var err error
	if began {
		tx, err = o.cc.Begin(ctx)
	} else {
		tx, err = o.cc.WithTransaction()
	}
	if err != nil {
		return err
	}

	if err := o.inner.Persist(ctx, msgs); err != nil {
		if began {
			return o.cc.Rollback(ctx, tx, err)
		}
		return err
	}

	if err := o.emit(ctx, tx); err != nil {
		if began {
			return o.cc.Rollback(ctx, tx, err)
		}
		return err
	}

	if began {
		return o.cc.Commit(ctx, tx)
	}
	return nil
}

func (o *Outbox) emit(ctx context.Context, tx *connctx.PooledConn) error {
	if o.style == StyleChannel || o.style == StyleBoth {
		channel := fmt.Sprintf("%s__%s", o.channel, o.table)
		if _, err := tx.Conn().Exec(ctx, fmt.Sprintf("NOTIFY %s", channel)); err != nil {
			return err
		}
	}
	if o.style == StyleCentral || o.style == StyleBoth {
		if _, err := tx.Conn().Exec(ctx, fmt.Sprintf("NOTIFY %s, '%s'", o.channel, o.table)); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) RetrieveBatch(ctx context.Context, n int) ([]message.Message, error) {
	return o.inner.RetrieveBatch(ctx, n)
}

func (o *Outbox) MarkConsumed(ctx context.Context, msgs []message.Message) error {
	return o.inner.MarkConsumed(ctx, msgs)
}

func (o *Outbox) CleanupConsumedMessages(ctx context.Context, limit int) (int, error) {
	return o.inner.CleanupConsumedMessages(ctx, limit)
}

func (o *Outbox) NumberOfPendingMessages(ctx context.Context) (int, error) {
	return o.inner.NumberOfPendingMessages(ctx)
}

func (o *Outbox) NumberOfConsumedMessages(ctx context.Context) (int, error) {
	return o.inner.NumberOfConsumedMessages(ctx)
}

func (o *Outbox) Truncate(ctx context.Context) error {
	return o.inner.Truncate(ctx)
}

var _ outbox.Repository = (*Outbox)(nil)
