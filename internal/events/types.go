package events

// Event enumerates in-process topics.
type Event string

const (
	EventPriceTick         Event = "price_tick"
	EventSignal            Event = "signal"
	EventPositionOpened    Event = "position.opened"
	EventPositionClosed    Event = "position.closed"
	EventTakeProfitRefresh Event = "take_profit.refresh"
	EventKillSwitch        Event = "kill_switch"
)

// PriceTick is published by the price feed.
type PriceTick struct {
	Symbol string
	Price  float64
	TS     int64
}

// PositionClosed is published by the reconciler after a close is booked.
type PositionClosed struct {
	Symbol      string
	Side        string
	Qty         float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
}

// PositionOpened is published by the entry path once protection is in place.
type PositionOpened struct {
	Symbol string
	Side   string
	Qty    float64
	Entry  float64
	Stop   float64
	Target float64
}

// Signal is a strategy decision handed to the entry path. Zero Stop/Target and
// nil pointers mean "not supplied".
type Signal struct {
	Symbol    string   `json:"symbol"`
	Side      string   `json:"side"` // LONG or SHORT
	Strength  *float64 `json:"strength,omitempty"`
	Stop      float64  `json:"stop,omitempty"`
	Target    float64  `json:"target,omitempty"`
	Price     float64  `json:"price,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
	NATR      *float64 `json:"natr,omitempty"`
}
