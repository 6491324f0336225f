package amqpbroker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartitionKey_UsesAggregateRootID(t *testing.T) {
	body := []byte(`{"type":"order.created","payload":{},"headers":{"aggregate_root_id":"order-42"}}`)
	assert.Equal(t, "order-42", partitionKey(body))
}

func TestPartitionKey_FallsBackToWholeBodyWithoutHeader(t *testing.T) {
	body := []byte(`{"type":"order.created","payload":{}}`)
	assert.Equal(t, string(body), partitionKey(body))
}

func TestDeliveryCounter_IncrementAndForget(t *testing.T) {
	c := NewDeliveryCounter()

	assert.Equal(t, 1, c.Increment("evt-1"))
	assert.Equal(t, 2, c.Increment("evt-1"))
	assert.Equal(t, 2, c.Count("evt-1"))

	c.Forget("evt-1")
	assert.Equal(t, 0, c.Count("evt-1"))
}

func TestDeliveryCounter_IndependentKeys(t *testing.T) {
	c := NewDeliveryCounter()

	c.Increment("evt-1")
	c.Increment("evt-2")
	c.Increment("evt-2")

	assert.Equal(t, 1, c.Count("evt-1"))
	assert.Equal(t, 2, c.Count("evt-2"))
}

func TestRelayOptions_Defaults(t *testing.T) {
	var o RelayOptions
	assert.Equal(t, 10, o.maxDeliveryAttempts())
	assert.Equal(t, 20, o.maxConcurrency())

	o = RelayOptions{MaxDeliveryAttempts: 3, MaxConcurrency: 5}
	assert.Equal(t, 3, o.maxDeliveryAttempts())
	assert.Equal(t, 5, o.maxConcurrency())
}
