package engine

import (
	"time"

	"trading-engine/internal/killswitch"
	"trading-engine/internal/monitor"
)

// Position is an open position with its mark.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	TargetPrice   float64   `json:"target_price,omitempty"`
	StopOrderID   string    `json:"stop_order_id,omitempty"`
	TargetOrderID string    `json:"target_order_id,omitempty"`
	CurrentPrice  float64   `json:"current_price,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Order is a persisted order intent.
type Order struct {
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Type            string    `json:"type"`
	Status          string    `json:"status"`
	Price           float64   `json:"price,omitempty"`
	StopPrice       float64   `json:"stop_price,omitempty"`
	Qty             float64   `json:"qty"`
	ReduceOnly      bool      `json:"reduce_only"`
	Tag             string    `json:"tag"`
	Mode            string    `json:"mode"`
	CreatedAt       time.Time `json:"created_at"`
}

// Trade is a booked fill.
type Trade struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Price       float64   `json:"price"`
	Qty         float64   `json:"qty"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	TS          time.Time `json:"ts"`
}

// Notification is one operator message from the log.
type Notification struct {
	Channel string    `json:"channel"`
	Topic   string    `json:"topic"`
	Level   string    `json:"level"`
	Payload string    `json:"payload"`
	TS      time.Time `json:"ts"`
}

// ClosedPosition is the outcome of a manual close.
type ClosedPosition struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Qty         float64 `json:"qty"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode       string                  `json:"mode"`
	DryRun     bool                    `json:"dry_run"`
	Venue      string                  `json:"venue"`
	Symbols    []string                `json:"symbols"`
	Version    string                  `json:"version"`
	StartedAt  time.Time               `json:"started_at"`
	ServerTime time.Time               `json:"server_time"`
	KillSwitch killswitch.Status       `json:"kill_switch"`
	Metrics    monitor.MetricsSnapshot `json:"metrics"`
}
