package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trading-engine/internal/events"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/exchanges/common"
)

type fakeSource struct {
	prices map[string]float64
	calls  int
}

func (f *fakeSource) GetMarkPrice(_ context.Context, symbol string) (float64, error) {
	f.calls++
	p, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("unknown symbol")
	}
	return p, nil
}

func (f *fakeSource) GetKlines(context.Context, string, string, int) ([]common.Candle, error) {
	return nil, nil
}

func (f *fakeSource) GetDepth(context.Context, string, int) (common.OrderBook, error) {
	return common.OrderBook{}, nil
}

func (f *fakeSource) GetSymbolFilters(context.Context) (map[string]common.SymbolFilters, error) {
	return nil, nil
}

func TestProviderUsesCacheThenSource(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"BTCUSDT": 100}}
	p := NewProvider(src, cache.NewPriceCache(), time.Minute)

	price, err := p.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, price)
	_, err = p.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "second read served from cache")

	_, err = p.LastPrice(context.Background(), "DOGEUSDT")
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestProviderWithoutSource(t *testing.T) {
	p := NewProvider(nil, nil, time.Second)
	_, err := p.LastPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrNoPrice)

	p.Observe("BTCUSDT", 99)
	price, err := p.LastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 99.0, price)
}

func TestFeedPublishesTicksAndSkipsFailures(t *testing.T) {
	src := &fakeSource{prices: map[string]float64{"BTCUSDT": 100}}
	bus := events.NewBus()
	ticks, _ := bus.Subscribe(events.EventPriceTick, 4)
	f := &Feed{Provider: NewProvider(src, nil, time.Minute), Bus: bus, Symbols: []string{"XXX", "BTCUSDT"}, Log: zap.NewNop()}

	err := f.PollOnce(context.Background())
	assert.Error(t, err)

	tick := (<-ticks).(events.PriceTick)
	assert.Equal(t, "BTCUSDT", tick.Symbol)
}
