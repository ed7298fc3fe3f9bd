package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/killswitch"
	"trading-engine/internal/monitor"
	"trading-engine/internal/reconciliation"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

// ErrNoPosition is returned by ClosePosition for a flat symbol.
var ErrNoPosition = errors.New("no open position")

// PriceSource marks positions for display.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Impl implements Service by composing the execution modules.
type Impl struct {
	db         *db.Database
	kill       *killswitch.KillSwitch
	reconciler *reconciliation.Reconciler
	prices     PriceSource
	metrics    *monitor.Metrics
	log        *zap.Logger

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	DB         *db.Database
	KillSwitch *killswitch.KillSwitch
	Reconciler *reconciliation.Reconciler
	Prices     PriceSource
	Metrics    *monitor.Metrics
	Meta       SystemStatus
	Log        *zap.Logger
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	meta := cfg.Meta
	meta.DryRun = meta.Mode == config.ModeDry
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	return &Impl{
		db:         cfg.DB,
		kill:       cfg.KillSwitch,
		reconciler: cfg.Reconciler,
		prices:     cfg.Prices,
		metrics:    cfg.Metrics,
		log:        log.Named("engine"),
		meta:       meta,
	}
}

// --- Queries ---

func (e *Impl) GetPositions(ctx context.Context) ([]Position, error) {
	rows, err := e.db.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for _, p := range rows {
		pos := Position{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Quantity:      p.Qty,
			EntryPrice:    p.EntryPrice,
			StopPrice:     p.StopPrice,
			TargetPrice:   p.TargetPrice,
			StopOrderID:   p.StopOrderID,
			TargetOrderID: p.TargetOrderID,
			UpdatedAt:     time.Unix(p.UpdatedAt, 0).UTC(),
		}
		if e.prices != nil {
			if last, err := e.prices.LastPrice(ctx, p.Symbol); err == nil {
				pos.CurrentPrice = last
				pos.UnrealizedPnL = reconciliation.RealizedPnL(p.Side, p.Qty, p.EntryPrice, last)
			}
		}
		out = append(out, pos)
	}
	return out, nil
}

func (e *Impl) GetOrders(ctx context.Context, limit int) ([]Order, error) {
	rows, err := e.db.ListOrders(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(rows))
	for _, o := range rows {
		out = append(out, Order{
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.ExchangeOrderID,
			Symbol:          o.Symbol,
			Side:            o.Side,
			Type:            o.Type,
			Status:          o.Status,
			Price:           o.Price,
			StopPrice:       o.StopPrice,
			Qty:             o.Qty,
			ReduceOnly:      o.ReduceOnly,
			Tag:             o.Tag,
			Mode:            o.Mode,
			CreatedAt:       time.Unix(o.CreatedAt, 0).UTC(),
		})
	}
	return out, nil
}

func (e *Impl) GetTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := e.db.ListTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Trade, 0, len(rows))
	for _, t := range rows {
		out = append(out, Trade{
			ID:          t.ID,
			OrderID:     t.OrderID,
			Symbol:      t.Symbol,
			Side:        t.Side,
			Price:       t.Price,
			Qty:         t.Qty,
			Fee:         t.Fee,
			RealizedPnL: t.RealizedPnL,
			TS:          time.Unix(t.TS, 0).UTC(),
		})
	}
	return out, nil
}

func (e *Impl) GetNotifications(ctx context.Context, limit int) ([]Notification, error) {
	rows, err := e.db.ListNotifications(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(rows))
	for _, n := range rows {
		out = append(out, Notification{
			Channel: n.Channel,
			Topic:   n.Topic,
			Level:   n.Level,
			Payload: n.Payload,
			TS:      time.Unix(n.TS, 0).UTC(),
		})
	}
	return out, nil
}

func (e *Impl) GetSystemStatus(ctx context.Context) SystemStatus {
	status := e.meta
	status.ServerTime = time.Now()
	if e.kill != nil {
		status.KillSwitch = e.kill.Status()
	}
	if e.metrics != nil {
		status.Metrics = e.metrics.Snapshot()
	}
	return status
}

// --- Commands ---

// ResetKillSwitch re-arms trading. A nil startEquity re-baselines from the wallet.
func (e *Impl) ResetKillSwitch(ctx context.Context, startEquity *float64) (killswitch.Status, error) {
	if e.kill == nil {
		return killswitch.Status{}, errors.New("kill-switch not available")
	}
	if err := e.kill.ResetForNewDay(ctx, startEquity); err != nil {
		return killswitch.Status{}, err
	}
	e.log.Warn("kill-switch reset by operator")
	return e.kill.Status(), nil
}

// ClosePosition flattens symbol at market through the reconciler.
func (e *Impl) ClosePosition(ctx context.Context, symbol string) (ClosedPosition, error) {
	if e.reconciler == nil {
		return ClosedPosition{}, errors.New("reconciler not available")
	}
	symbol = strings.ToUpper(symbol)
	pos, err := e.db.GetPosition(ctx, symbol)
	if errors.Is(err, db.ErrNotFound) {
		return ClosedPosition{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if err != nil {
		return ClosedPosition{}, err
	}
	pnl, err := e.reconciler.CloseAllForSymbol(ctx, symbol, pos.Side, pos.Qty, pos.EntryPrice, nil)
	if err != nil {
		return ClosedPosition{}, err
	}
	e.log.Info("manual close", zap.String("symbol", symbol), zap.Float64("pnl", pnl))
	return ClosedPosition{Symbol: symbol, Side: pos.Side, Qty: pos.Qty, RealizedPnL: pnl}, nil
}
