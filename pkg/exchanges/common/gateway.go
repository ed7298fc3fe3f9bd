package common

import (
	"context"
	"errors"
)

// ErrOrderNotFound is returned by CancelOrder when the order is already gone
// (filled, canceled, expired or unknown). Callers treat it as success.
var ErrOrderNotFound = errors.New("order not found")

// Gateway abstracts the trading venue's order capability.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}

// AccountGateway exposes account state; only implemented by live venues.
type AccountGateway interface {
	GetPositions(ctx context.Context) ([]PositionInfo, error)
	GetWalletBalance(ctx context.Context, asset string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// MarketData is the public data surface used for prices, ATR and book snapping.
type MarketData interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetDepth(ctx context.Context, symbol string, limit int) (OrderBook, error)
	GetSymbolFilters(ctx context.Context) (map[string]SymbolFilters, error)
}

// ListenKeyClient manages the user-data stream credential.
type ListenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
	StreamURL(listenKey string) string
}
