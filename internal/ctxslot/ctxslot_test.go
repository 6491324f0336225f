package ctxslot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInheritedSlotDefaultOnlyOncePerScope(t *testing.T) {
	calls := 0
	slot := NewSlot("tenant", true, func() string {
		calls++
		return "default-tenant"
	})

	ctx := context.Background()
	err := Run(ctx, nil, func(ctx context.Context) error {
		assert.Equal(t, "default-tenant", Get(ctx, slot))
		assert.Equal(t, "default-tenant", Get(ctx, slot))
		assert.Equal(t, 1, calls)
		return nil
	})
	require.NoError(t, err)
}

func TestInheritedSlotParentValuePreventsChildDefault(t *testing.T) {
	calls := 0
	slot := NewSlot("tenant", true, func() string {
		calls++
		return "default-tenant"
	})

	ctx := context.Background()
	err := Run(ctx, Overrides{"tenant": "acme"}, func(ctx context.Context) error {
		assert.Equal(t, "acme", Get(ctx, slot))
		return Run(ctx, nil, func(ctx context.Context) error {
			assert.Equal(t, "acme", Get(ctx, slot))
			assert.Equal(t, 0, calls)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestNonInheritedSlotAlwaysMaterialisesFresh(t *testing.T) {
	calls := 0
	slot := NewSlot("request_id", false, func() string {
		calls++
		return "generated"
	})

	ctx := context.Background()
	err := Run(ctx, Overrides{"request_id": "outer"}, func(ctx context.Context) error {
		assert.Equal(t, "outer", Get(ctx, slot))
		return Run(ctx, nil, func(ctx context.Context) error {
			// non-inherited: a nested scope does not see the parent's value.
			assert.Equal(t, "generated", Get(ctx, slot))
			assert.Equal(t, 1, calls)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestNonInheritedSlotHonoursExplicitOverride(t *testing.T) {
	slot := NewSlot("request_id", false, func() string { return "generated" })

	ctx := context.Background()
	err := Run(ctx, nil, func(ctx context.Context) error {
		return Run(ctx, Overrides{"request_id": "explicit"}, func(ctx context.Context) error {
			assert.Equal(t, "explicit", Get(ctx, slot))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestAttachIsScopedToCurrentAndChildren(t *testing.T) {
	slot := NewSlot("flag", true, func() string { return "" })

	ctx := context.Background()
	err := Run(ctx, nil, func(ctx context.Context) error {
		Attach(ctx, Overrides{"flag": "on"})
		assert.Equal(t, "on", Get(ctx, slot))
		return Run(ctx, nil, func(ctx context.Context) error {
			assert.Equal(t, "on", Get(ctx, slot))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestSnapshotReflectsMaterialisedValues(t *testing.T) {
	ctx := context.Background()
	err := Run(ctx, Overrides{"a": 1}, func(ctx context.Context) error {
		Attach(ctx, Overrides{"b": 2})
		snap := Snapshot(ctx)
		assert.Equal(t, 1, snap["a"])
		assert.Equal(t, 2, snap["b"])
		return nil
	})
	require.NoError(t, err)
}
