package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"trading-engine/pkg/exchanges/common"
)

// GetMarkPrice returns the current mark price of symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, err
	}
	var res struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := sonic.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	price := parseFloat(res.MarkPrice)
	if price <= 0 {
		return 0, fmt.Errorf("mark price %s: invalid value %q", symbol, res.MarkPrice)
	}
	return price, nil
}

// GetKlines returns up to limit candles, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}
	var rows []klineRow
	if err := sonic.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]common.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		openTime, _ := strconv.ParseInt(string(r[0]), 10, 64)
		out = append(out, common.Candle{
			OpenTime: openTime,
			Open:     parseFloat(unquote(r[1])),
			High:     parseFloat(unquote(r[2])),
			Low:      parseFloat(unquote(r[3])),
			Close:    parseFloat(unquote(r[4])),
			Volume:   parseFloat(unquote(r[5])),
		})
	}
	return out, nil
}

// GetDepth returns an order book snapshot with limit levels per side.
func (c *Client) GetDepth(ctx context.Context, symbol string, limit int) (common.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depthLimit(limit)))
	body, err := c.doPublic(ctx, "/fapi/v1/depth", params)
	if err != nil {
		return common.OrderBook{}, err
	}
	var res depthResp
	if err := sonic.Unmarshal(body, &res); err != nil {
		return common.OrderBook{}, fmt.Errorf("decode depth: %w", err)
	}
	return common.OrderBook{Bids: toLevels(res.Bids), Asks: toLevels(res.Asks)}, nil
}

// GetSymbolFilters returns tick/step/min-notional filters for every trading symbol.
func (c *Client) GetSymbolFilters(ctx context.Context) (map[string]common.SymbolFilters, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info exchangeInfoResp
	if err := sonic.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	out := make(map[string]common.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		f := common.SymbolFilters{Symbol: s.Symbol}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize = flt.TickSize
			case "LOT_SIZE":
				f.StepSize = flt.StepSize
				f.MinQty = flt.MinQty
			case "MIN_NOTIONAL":
				f.MinNotional = flt.Notional
			}
		}
		out[s.Symbol] = f
	}
	return out, nil
}

// Binance only accepts a fixed set of depth limits.
func depthLimit(n int) int {
	for _, allowed := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if n <= allowed {
			return allowed
		}
	}
	return 1000
}

func toLevels(rows [][]string) []common.BookLevel {
	out := make([]common.BookLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		out = append(out, common.BookLevel{Price: parseFloat(r[0]), Qty: parseFloat(r[1])})
	}
	return out
}

func unquote(raw json.RawMessage) string {
	return strings.Trim(string(raw), `"`)
}
