// Package engine runs the background loops and exposes a read/command facade
// over the execution core for the API layer.
package engine

import (
	"context"

	"trading-engine/internal/killswitch"
)

// Service is the only surface the API layer talks to.
type Service interface {
	// Queries
	GetPositions(ctx context.Context) ([]Position, error)
	GetOrders(ctx context.Context, limit int) ([]Order, error)
	GetTrades(ctx context.Context, limit int) ([]Trade, error)
	GetNotifications(ctx context.Context, limit int) ([]Notification, error)
	GetSystemStatus(ctx context.Context) SystemStatus

	// Commands
	ResetKillSwitch(ctx context.Context, startEquity *float64) (killswitch.Status, error)
	ClosePosition(ctx context.Context, symbol string) (ClosedPosition, error)
}
