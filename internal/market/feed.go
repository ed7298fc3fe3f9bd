package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/events"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/exchanges/common"
)

// ErrNoPrice means no usable price could be obtained for a symbol.
var ErrNoPrice = errors.New("no price available")

// Provider answers "what is the last price of X" from the cache, falling back
// to a mark price request when the cached value is stale.
type Provider struct {
	source common.MarketData
	cache  *cache.PriceCache
	maxAge time.Duration
}

// NewProvider builds a price provider. source may be nil (dry mode without venue access).
func NewProvider(source common.MarketData, c *cache.PriceCache, maxAge time.Duration) *Provider {
	if c == nil {
		c = cache.NewPriceCache()
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &Provider{source: source, cache: c, maxAge: maxAge}
}

// LastPrice returns a fresh price for symbol.
func (p *Provider) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := p.cache.GetFresh(symbol, p.maxAge); ok {
		return price, nil
	}
	if p.source == nil {
		if price, ok := p.cache.Get(symbol); ok {
			return price, nil
		}
		return 0, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}
	price, err := p.source.GetMarkPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", symbol, ErrNoPrice, err)
	}
	p.cache.Set(symbol, price)
	return price, nil
}

// Observe stores an externally seen price (push events, paper fills).
func (p *Provider) Observe(symbol string, price float64) {
	p.cache.Set(symbol, price)
}

// Candles proxies kline requests for ATR/NATR.
func (p *Provider) Candles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	if p.source == nil {
		return nil, fmt.Errorf("candles %s: no market data source", symbol)
	}
	return p.source.GetKlines(ctx, symbol, interval, limit)
}

// Depth proxies order book snapshots for take-profit snapping.
func (p *Provider) Depth(ctx context.Context, symbol string, levels int) (common.OrderBook, error) {
	if p.source == nil {
		return common.OrderBook{}, fmt.Errorf("depth %s: no market data source", symbol)
	}
	return p.source.GetDepth(ctx, symbol, levels)
}

// Feed polls mark prices for the configured symbols and publishes ticks.
type Feed struct {
	Provider *Provider
	Bus      *events.Bus
	Symbols  []string
	Log      *zap.Logger
}

// PollOnce refreshes every symbol; a failing symbol does not stop the others.
func (f *Feed) PollOnce(ctx context.Context) error {
	var errs []error
	for _, sym := range f.Symbols {
		if f.Provider.source == nil {
			break
		}
		price, err := f.Provider.source.GetMarkPrice(ctx, sym)
		if err != nil {
			f.Log.Warn("price poll failed", zap.String("symbol", sym), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		f.Provider.cache.Set(sym, price)
		if f.Bus != nil {
			f.Bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: sym, Price: price, TS: time.Now().Unix()})
		}
	}
	return errors.Join(errs...)
}
