package runner

import (
	"context"
	"testing"
	"time"

	"github.com/baechuer/outboxcore/internal/message"
	"github.com/baechuer/outboxcore/internal/relay"
	"github.com/stretchr/testify/assert"
)

func TestMultiTriggerDropsNotificationsForUnregisteredIdentifiers(t *testing.T) {
	repo := &fakeRepo{}
	r := relay.New(repo, func(ctx context.Context, run []message.Message) error { return nil })

	m := NewMulti(nil, &fakeStaticMutex{}, map[string]*relay.Relay{"orders": r}, Options{})

	m.trigger("invoices") // not registered
	assert.Len(t, m.streams, 1)
	st := m.streams["orders"]
	select {
	case <-st.wakeCh:
		t.Fatal("trigger for an unregistered identifier must not wake a registered one")
	default:
	}

	m.trigger("orders")
	select {
	case <-st.wakeCh:
	default:
		t.Fatal("expected the registered identifier's wake channel to fire")
	}
}

func TestMultiProcessBatchIsolatesIdentifiers(t *testing.T) {
	ordersRepo := &fakeRepo{pending: []message.Message{message.New("order.created", nil)}}
	invoicesRepo := &fakeRepo{}

	ordersRelay := relay.New(ordersRepo, func(ctx context.Context, run []message.Message) error { return nil })
	invoicesRelay := relay.New(invoicesRepo, func(ctx context.Context, run []message.Message) error { return nil })

	m := NewMulti(nil, &fakeStaticMutex{}, map[string]*relay.Relay{
		"orders":   ordersRelay,
		"invoices": invoicesRelay,
	}, Options{BatchSize: 10, CommitSize: 10, PollInterval: time.Hour})

	m.processBatch(context.Background(), "orders", m.streams["orders"])
	m.processBatch(context.Background(), "invoices", m.streams["invoices"])

	// orders dispatched one message -> re-triggered, no poll scheduled.
	select {
	case <-m.streams["orders"].wakeCh:
	default:
		t.Fatal("expected orders to re-trigger after dispatching")
	}

	// invoices had nothing pending -> poll scheduled, no re-trigger.
	select {
	case <-m.streams["invoices"].wakeCh:
		t.Fatal("invoices had nothing to dispatch and should not re-trigger immediately")
	default:
	}
	m.streams["invoices"].mu.Lock()
	assert.NotNil(t, m.streams["invoices"].pollTimer)
	m.streams["invoices"].pollTimer.Stop()
	m.streams["invoices"].mu.Unlock()
}
