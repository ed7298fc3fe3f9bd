package common

import "strings"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the futures order types the engine uses.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// IsProtective reports whether an exchange order type is a stop or take-profit variant.
func IsProtective(orderType string) bool {
	t := strings.ToUpper(orderType)
	return strings.Contains(t, "STOP") || strings.Contains(t, "TAKE_PROFIT")
}

// NeedsStopPrice reports whether the type triggers on stopPrice instead of price.
func (t OrderType) NeedsStopPrice() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfitMarket
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFGTX TimeInForce = "GTX" // Post Only / Maker Only
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusDry      OrderStatus = "DRY"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// MapStatus converts a raw exchange status string.
func MapStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartial
	case "FILLED":
		return StatusFilled
	case "CANCELED", "CANCELLED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT
	StopPrice   float64 // required for STOP_MARKET/TAKE_PROFIT_MARKET
	TimeInForce TimeInForce
	ClientID    string
	ReduceOnly  bool
	WorkingType string // MARK_PRICE or CONTRACT_PRICE
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	AvgPrice        float64
	ExecutedQty     float64
	Fee             float64
	Raw             string
}

// OpenOrder is a live resting order as reported by the venue.
type OpenOrder struct {
	Symbol          string
	ExchangeOrderID string
	ClientID        string
	Side            Side
	Type            string
	Status          OrderStatus
	Price           float64
	StopPrice       float64
	Qty             float64
	ReduceOnly      bool
}

// PositionInfo is the venue's view of exposure on one symbol; Amount is signed (short < 0).
type PositionInfo struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	UnrealizedPnL float64
	Leverage      int
}

// SymbolFilters carries the tick/step/min-notional constraints of a contract.
type SymbolFilters struct {
	Symbol      string
	TickSize    string
	StepSize    string
	MinQty      string
	MinNotional string
}

// BookLevel is one price level of an order book snapshot.
type BookLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is a depth snapshot.
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
}

// Candle is a closed kline used for ATR.
type Candle struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}
