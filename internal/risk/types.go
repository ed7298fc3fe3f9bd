package risk

import "errors"

// Limit errors.
var (
	ErrMaxPositions = errors.New("max open positions reached")
	ErrMaxNotional  = errors.New("max notional exceeded")
	ErrNoSize       = errors.New("position size is zero")
)

// Intent is a sized-entry request for one symbol.
type Intent struct {
	Symbol   string
	Side     string // LONG or SHORT
	Price    float64
	Stop     float64 // optional override
	Target   float64 // optional override
	Equity   float64
	Leverage int
}

// Decision is the result of evaluating an Intent.
type Decision struct {
	Allowed  bool    `json:"allowed"`
	Reason   string  `json:"reason,omitempty"`
	Qty      float64 `json:"qty"`
	Notional float64 `json:"notional"`
	Stop     float64 `json:"stop"`
	Target   float64 `json:"target"`
}

// Limits caps exposure. Zero values disable a limit.
type Limits struct {
	MaxOpenPositions int
	MaxNotional      float64
}
