package db

// Position sides. One-way mode only: a symbol holds at most one of them.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Position is the open exposure on one symbol. Zero prices and empty ids mean "not set".
type Position struct {
	Symbol        string
	Side          string
	Qty           float64
	EntryPrice    float64
	StopPrice     float64
	TargetPrice   float64
	StopOrderID   string
	TargetOrderID string
	UpdatedAt     int64
}

// IsLong reports whether the position profits from rising prices.
func (p Position) IsLong() bool { return p.Side == SideLong }

// Order is one submitted (or simulated) order intent keyed by its client order id.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            string
	Type            string
	Status          string
	Price           float64
	StopPrice       float64
	Qty             float64
	ReduceOnly      bool
	Tag             string
	Mode            string
	Extra           string // raw JSON payload
	CreatedAt       int64
	UpdatedAt       int64
}

// Trade is a realized fill; the source of truth for daily PnL.
type Trade struct {
	ID          string
	OrderID     string
	Symbol      string
	Side        string
	Price       float64
	Qty         float64
	Fee         float64
	RealizedPnL float64
	TS          int64
}

// SymbolState carries cooldown and trailing bookkeeping per symbol.
type SymbolState struct {
	Symbol          string
	CooldownUntil   int64
	LastSignalTS    int64
	LastExitTS      int64
	TrailStop       float64
	Peak            float64
	Trough          float64
	TPLastReplaceTS int64
}

// Notification mirrors an outbound alert/info message for audit.
type Notification struct {
	ID      int64
	Channel string
	Topic   string
	Level   string
	Payload string
	TS      int64
}
