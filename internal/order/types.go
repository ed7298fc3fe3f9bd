package order

import (
	"errors"
	"time"

	"trading-engine/pkg/exchanges/common"
)

var (
	// ErrDuplicateIntent means the client order id was already submitted inside the retention window.
	ErrDuplicateIntent = errors.New("duplicate order intent")
	// ErrBelowMinNotional rejects reduce-only orders that cannot be rounded up.
	ErrBelowMinNotional = errors.New("order below min notional")
	// ErrZeroQty means quantity normalized to zero.
	ErrZeroQty = errors.New("order quantity rounds to zero")
	// ErrInvalidMode is a configuration error.
	ErrInvalidMode = errors.New("invalid execution mode")
)

// PlaceRequest is an order intent handed to the router.
type PlaceRequest struct {
	Symbol      string
	Side        common.Side
	Qty         float64
	Price       float64          // LIMIT only
	Type        common.OrderType // default MARKET
	TimeInForce common.TimeInForce
	StopPrice   float64
	ReduceOnly  bool
	Tag         string

	// SubmittedAt salts the client order id; zero means now. Two requests with the
	// same symbol, tag and SubmittedAt are the same intent.
	SubmittedAt time.Time
	// ClientOrderID overrides the generated id.
	ClientOrderID string
}

// CancelRequest identifies an order by client id, exchange id, or both.
type CancelRequest struct {
	Symbol        string
	ClientOrderID string
	OrderID       string
}

// Result is the router's view of an order after the call.
type Result struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Status          common.OrderStatus
	Qty             float64
	Price           float64
	StopPrice       float64
	AvgPrice        float64
	ExecutedQty     float64
	Fee             float64
	Mode            string
	// AlreadyGone is set on cancels of orders the venue no longer knows.
	AlreadyGone bool
}
