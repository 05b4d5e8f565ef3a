package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(RegistryConfig{
		History: &stubHistory{batches: map[Interval][]Candle{Interval1m: {candle(60, "1")}}},
		Feed:    &scriptedFeed{},
		Reconnect: ReconnectPolicy{
			// Keep the background reconnect loop slow enough not to matter.
			Initial: time.Hour,
		},
		Logger: testLogger(),
	})
}

func TestRegistryOpenGetClose(t *testing.T) {
	g := newTestRegistry()
	defer g.Shutdown()

	v, err := g.Open(context.Background(), "ethereum", Interval1m)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", v.Symbol())
	assert.NotEmpty(t, v.ID)

	got, ok := g.Get(v.ID)
	require.True(t, ok)
	assert.Same(t, v, got)

	require.Eventually(t, func() bool { return len(v.Snapshot().Candles) == 1 }, 3*time.Second, 5*time.Millisecond)

	list := g.List()
	require.Len(t, list, 1)
	assert.Equal(t, "ethereum", list[0].InstrumentID)
	assert.Equal(t, 1, list[0].Candles)

	assert.True(t, g.CloseView(v.ID))
	assert.False(t, g.CloseView(v.ID))
	assert.Equal(t, StatusClosed, v.Status())
	_, ok = g.Get(v.ID)
	assert.False(t, ok)
}

func TestRegistryUnknownInstrumentFallsBack(t *testing.T) {
	g := newTestRegistry()
	defer g.Shutdown()

	v, err := g.Open(context.Background(), "nope", Interval5m)
	require.NoError(t, err)
	assert.Equal(t, FallbackSymbol, v.Symbol())
}

func TestRegistryRejectsBadInterval(t *testing.T) {
	g := newTestRegistry()
	defer g.Shutdown()

	_, err := g.Open(context.Background(), "bitcoin", "2m")
	assert.Error(t, err)
	assert.Empty(t, g.List())
}

func TestRegistryShutdown(t *testing.T) {
	g := newTestRegistry()
	a, err := g.Open(context.Background(), "bitcoin", Interval1m)
	require.NoError(t, err)
	b, err := g.Open(context.Background(), "solana", Interval1h)
	require.NoError(t, err)

	g.Shutdown()
	assert.Equal(t, StatusClosed, a.Status())
	assert.Equal(t, StatusClosed, b.Status())
	assert.Empty(t, g.List())

	_, err = g.Open(context.Background(), "bitcoin", Interval1m)
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
