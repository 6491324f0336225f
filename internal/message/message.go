// Package message implements the typed message envelope and stream
// definition of SPEC_FULL.md §3/§4.4: a {type, payload, headers} triple
// whose type and payload shape are frozen after it leaves its producer,
// with headers free to be decorated on the way to the outbox.
//
// The envelope shape is grounded on the versioned domain-event envelope
// consumed in services/join-service/internal/infrastructure/rabbitmq/consumer.go
// (DomainEventEnvelope[json.RawMessage]), generalised into a headers bag
// instead of one fixed field set.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Recognised header keys, per SPEC_FULL.md §3.
const (
	HeaderAggregateRootID      = "aggregate_root_id"
	HeaderAggregateRootVersion = "aggregate_root_version"
	HeaderEventID              = "event_id"
	HeaderTimeOfRecording      = "time_of_recording"
	HeaderTimeOfRecordingMS    = "time_of_recording_ms"
	HeaderSchemaVersion        = "schema_version"
	HeaderAttempt              = "attempt"
	HeaderDelayUntil           = "delay_until"
	HeaderStreamOffset         = "stream_offset"
	HeaderTenantID             = "tenant_id"

	// Added by outbox.Repository.RetrieveBatch per SPEC_FULL.md §4.5.
	HeaderOutboxID       = "outbox_id"
	HeaderOutboxTable    = "outbox_table"
	HeaderOutboxConsumed = "outbox_consumed"

	// Added by amqpbroker's inbound relay.
	HeaderAMQPQueueName = "amqp_queue_name"
)

// Message is the envelope: type and payload are frozen once produced;
// decorators and the outbox layer may only add or overwrite headers.
type Message struct {
	Type    string
	Payload json.RawMessage
	Headers map[string]any
}

// New creates a message with an empty header set.
func New(msgType string, payload json.RawMessage) Message {
	return Message{Type: msgType, Payload: payload, Headers: map[string]any{}}
}

// NewEventID generates a fresh global delivery-attempt identity for the
// event_id header, the same way the teacher mints message ids
// (uuid.New().String()) in rabbitmq/consumer.go before falling back to a
// content hash.
func NewEventID() string {
	return uuid.NewString()
}

// WithHeader returns a copy of m with key set to value, leaving m untouched
// — decorators are pure functions, messages → messages.
func (m Message) WithHeader(key string, value any) Message {
	out := m.clone()
	out.Headers[key] = value
	return out
}

func (m Message) clone() Message {
	headers := make(map[string]any, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	return Message{Type: m.Type, Payload: m.Payload, Headers: headers}
}

// Header reads a raw header value.
func (m Message) Header(key string) (any, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// AggregateRootID returns the partition key for ordered processing.
func (m Message) AggregateRootID() (any, bool) { return m.Header(HeaderAggregateRootID) }

// EventID returns the global delivery-attempt identity used for retry
// counting.
func (m Message) EventID() (string, bool) {
	v, ok := m.Header(HeaderEventID)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Attempt returns the delivery attempt ordinal (delayed outbox).
func (m Message) Attempt() int {
	v, ok := m.Header(HeaderAttempt)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// DelayUntil returns the ms-since-epoch earliest consumable time, if set.
func (m Message) DelayUntil() (time.Time, bool) {
	v, ok := m.Header(HeaderDelayUntil)
	if !ok {
		return time.Time{}, false
	}
	switch ms := v.(type) {
	case int64:
		return time.UnixMilli(ms), true
	case float64:
		return time.UnixMilli(int64(ms)), true
	default:
		return time.Time{}, false
	}
}

// OutboxID returns the owning outbox row id, set by RetrieveBatch.
func (m Message) OutboxID() (int64, bool) {
	v, ok := m.Header(HeaderOutboxID)
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case int64:
		return id, true
	case int:
		return int64(id), true
	default:
		return 0, false
	}
}

// TenantID returns the multi-tenant scoping header, if present.
func (m Message) TenantID() (any, bool) { return m.Header(HeaderTenantID) }
