package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryFanOut(t *testing.T) {
	m := NewMemory(zap.NewNop())
	ctx := context.Background()

	var first, second []byte
	require.NoError(t, m.Subscribe(ctx, "market-data", func(b []byte) { first = b }))
	require.NoError(t, m.Subscribe(ctx, "market-data", func(b []byte) { second = b }))

	require.NoError(t, m.Publish(ctx, "market-data", map[string]string{"symbol": "BTC-USD"}))

	var got map[string]string
	require.NoError(t, json.Unmarshal(first, &got))
	assert.Equal(t, "BTC-USD", got["symbol"])
	assert.Equal(t, first, second)
}

func TestMemoryChannelIsolation(t *testing.T) {
	m := NewMemory(zap.NewNop())
	ctx := context.Background()

	calls := 0
	require.NoError(t, m.Subscribe(ctx, "trade-updates", func([]byte) { calls++ }))

	require.NoError(t, m.Publish(ctx, "market-data", "x"))
	assert.Zero(t, calls)

	require.NoError(t, m.Publish(ctx, "trade-updates", "x"))
	assert.Equal(t, 1, calls)
}

func TestMemoryHandlerPanicContained(t *testing.T) {
	m := NewMemory(zap.NewNop())
	ctx := context.Background()

	var delivered bool
	require.NoError(t, m.Subscribe(ctx, "market-data", func([]byte) { panic("boom") }))
	require.NoError(t, m.Subscribe(ctx, "market-data", func([]byte) { delivered = true }))

	require.NoError(t, m.Publish(ctx, "market-data", "x"))
	assert.True(t, delivered, "panic in one handler must not starve the rest")
}

func TestMemoryPublishUnmarshalable(t *testing.T) {
	m := NewMemory(zap.NewNop())
	err := m.Publish(context.Background(), "market-data", make(chan int))
	assert.Error(t, err)
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory(zap.NewNop())
	ctx := context.Background()

	calls := 0
	require.NoError(t, m.Subscribe(ctx, "market-data", func([]byte) { calls++ }))
	require.NoError(t, m.Close())

	require.NoError(t, m.Publish(ctx, "market-data", "x"))
	assert.Zero(t, calls)
}
