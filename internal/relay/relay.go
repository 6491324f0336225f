// Package relay implements the one-shot outbox relay of SPEC_FULL.md §4.7:
// it pulls a batch from an outbox, hands runs of it to a downstream
// dispatcher, and marks each run consumed only after the dispatcher
// succeeds — so a downstream failure leaves the remainder of the batch
// untouched and safely retryable.
//
// Grounded on processOutboxBatch in
// services/join-service/internal/infrastructure/postgres/outbox_worker.go,
// generalised from "claim, publish one by one, update per-row" into
// "retrieve a batch, dispatch fixed-size runs, mark each run consumed".
package relay

import (
	"context"
	"fmt"

	"github.com/baechuer/outboxcore/internal/message"
	"github.com/baechuer/outboxcore/internal/metrics"
	"github.com/baechuer/outboxcore/internal/outbox"
)

// Dispatcher delivers a run of messages downstream (e.g. to AMQP). It must
// either deliver every message in run or return an error; partial delivery
// within a run is not a supported outcome.
type Dispatcher func(ctx context.Context, run []message.Message) error

// Relay pulls from one outbox and dispatches through one Dispatcher.
type Relay struct {
	repo     outbox.Repository
	dispatch Dispatcher
	table    string
}

// New returns a Relay over repo, handing batches to dispatch.
func New(repo outbox.Repository, dispatch Dispatcher) *Relay {
	return &Relay{repo: repo, dispatch: dispatch}
}

// NewNamed is New with a table label attached to this Relay's
// outboxcore_batches_relayed_total / outboxcore_messages_dispatched_total
// metrics, so a multi-stream runner's relays are distinguishable in
// Prometheus.
func NewNamed(repo outbox.Repository, dispatch Dispatcher, table string) *Relay {
	return &Relay{repo: repo, dispatch: dispatch, table: table}
}

// RelayBatch retrieves up to batchSize eligible messages, partitions them
// into runs of at most commitSize, and for each run in order: dispatches it,
// then marks it consumed. It returns the count of messages successfully
// dispatched-and-marked. On a dispatch failure the failing run is not marked
// consumed, subsequent runs in the batch are abandoned, and the error is
// returned — the already-marked runs stay marked, since unconsumed rows
// remain eligible for the next call regardless.
func (r *Relay) RelayBatch(ctx context.Context, batchSize, commitSize int) (int, error) {
	if commitSize <= 0 || commitSize > batchSize {
		return 0, fmt.Errorf("relay: commitSize must be in (0, batchSize], got commitSize=%d batchSize=%d", commitSize, batchSize)
	}

	batch, err := r.repo.RetrieveBatch(ctx, batchSize)
	if err != nil {
		metrics.BatchesRelayedTotal.WithLabelValues(r.table, "error").Inc()
		return 0, err
	}

	dispatched := 0
	for start := 0; start < len(batch); start += commitSize {
		end := start + commitSize
		if end > len(batch) {
			end = len(batch)
		}
		run := batch[start:end]

		if err := r.dispatch(ctx, run); err != nil {
			metrics.BatchesRelayedTotal.WithLabelValues(r.table, "error").Inc()
			return dispatched, fmt.Errorf("relay: dispatch failed after %d messages: %w", dispatched, err)
		}
		if err := r.repo.MarkConsumed(ctx, run); err != nil {
			metrics.BatchesRelayedTotal.WithLabelValues(r.table, "error").Inc()
			return dispatched, fmt.Errorf("relay: mark consumed failed after %d messages: %w", dispatched, err)
		}
		dispatched += len(run)
		metrics.MessagesDispatchedTotal.WithLabelValues(r.table).Add(float64(len(run)))
	}

	metrics.BatchesRelayedTotal.WithLabelValues(r.table, "ok").Inc()
	return dispatched, nil
}
