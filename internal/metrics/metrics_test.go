package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBatchesRelayedTotalIncrements(t *testing.T) {
	BatchesRelayedTotal.Reset()
	BatchesRelayedTotal.WithLabelValues("orders_outbox", "ok").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(BatchesRelayedTotal.WithLabelValues("orders_outbox", "ok")))
}

func TestDLQRoutesTotalIncrements(t *testing.T) {
	DLQRoutesTotal.Reset()
	DLQRoutesTotal.WithLabelValues("orders.dlq").Inc()
	DLQRoutesTotal.WithLabelValues("orders.dlq").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(DLQRoutesTotal.WithLabelValues("orders.dlq")))
}
