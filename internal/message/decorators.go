package message

import (
	"context"
	"encoding/json"

	"github.com/baechuer/outboxcore/internal/ctxslot"
)

// Decorator is a pure function messages → messages, per SPEC_FULL.md §4.4.
type Decorator func(ctx context.Context, msgs []Message) ([]Message, error)

// Chain composes decorators left to right.
func Chain(decorators ...Decorator) Decorator {
	return func(ctx context.Context, msgs []Message) ([]Message, error) {
		cur := msgs
		for _, d := range decorators {
			next, err := d(ctx, cur)
			if err != nil {
				return nil, err
			}
			cur = next
		}
		return cur, nil
	}
}

// TenantIDDecorator reads a tenant identifier from a context slot and adds
// it as a header when present.
func TenantIDDecorator(slot *ctxslot.Slot[string]) Decorator {
	return func(ctx context.Context, msgs []Message) ([]Message, error) {
		tenant := ctxslot.Get(ctx, slot)
		if tenant == "" {
			return msgs, nil
		}
		out := make([]Message, len(msgs))
		for i, m := range msgs {
			out[i] = m.WithHeader(HeaderTenantID, tenant)
		}
		return out, nil
	}
}

// ContextKeysDecorator copies selected context-slot values into headers
// under the same name.
func ContextKeysDecorator(slots map[string]*ctxslot.Slot[any]) Decorator {
	return func(ctx context.Context, msgs []Message) ([]Message, error) {
		if len(slots) == 0 {
			return msgs, nil
		}
		out := make([]Message, len(msgs))
		copy(out, msgs)
		for name, slot := range slots {
			v := ctxslot.Get(ctx, slot)
			if v == nil {
				continue
			}
			for i, m := range out {
				out[i] = m.WithHeader(name, v)
			}
		}
		return out, nil
	}
}

// Upcaster transforms one message's payload from version n to n+1.
type Upcaster func(json.RawMessage) (json.RawMessage, error)

// UpcasterTable maps a message type to its ordered chain of upcasters.
// The current schema version for a type is the length of its chain.
type UpcasterTable map[string][]Upcaster

// CurrentVersion returns the schema version for msgType, and whether any
// upcasters are registered for it at all.
func (t UpcasterTable) CurrentVersion(msgType string) (int, bool) {
	chain, ok := t[msgType]
	if !ok || len(chain) == 0 {
		return 0, false
	}
	return len(chain), true
}

// SchemaVersionDecorator sets HeaderSchemaVersion to the current version for
// every message type that has registered upcasters; message types with no
// upcasters are left untouched.
func SchemaVersionDecorator(table UpcasterTable) Decorator {
	return func(ctx context.Context, msgs []Message) ([]Message, error) {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		for i, m := range out {
			if v, ok := table.CurrentVersion(m.Type); ok {
				out[i] = m.WithHeader(HeaderSchemaVersion, v)
			}
		}
		return out, nil
	}
}
