package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/events"
	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// Closer issues reduce-only market closes.
type Closer interface {
	ClosePositionMarket(ctx context.Context, symbol, positionSide string, qty float64, tag string) (order.Result, error)
}

// PriceProvider answers the last known price.
type PriceProvider interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// Reconciler owns the canonical close: route the order, book the trade, drop the position.
type Reconciler struct {
	router   Closer
	db       *db.Database
	prices   PriceProvider
	notifier notify.Notifier
	bus      *events.Bus
	log      *zap.Logger
	now      func() time.Time
}

func NewReconciler(router Closer, database *db.Database, prices PriceProvider, notifier notify.Notifier, bus *events.Bus, log *zap.Logger) *Reconciler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		router:   router,
		db:       database,
		prices:   prices,
		notifier: notifier,
		bus:      bus,
		log:      log.Named("reconciler"),
		now:      time.Now,
	}
}

// RealizedPnL is (exit-entry)*qty for LONG and the negation for SHORT.
func RealizedPnL(side string, qty, entry, exit float64) float64 {
	pnl := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry)).Mul(decimal.NewFromFloat(qty))
	if strings.EqualFold(side, db.SideShort) {
		pnl = pnl.Neg()
	}
	return pnl.InexactFloat64()
}

// CloseAllForSymbol flattens qty of the position and returns the realized PnL.
// A failed close is alerted and returned; it is never swallowed.
func (r *Reconciler) CloseAllForSymbol(ctx context.Context, symbol, side string, qty, entry float64, exitPrice *float64) (float64, error) {
	side = strings.ToUpper(side)
	if side != db.SideLong && side != db.SideShort {
		return 0, fmt.Errorf("close %s: invalid side %q", symbol, side)
	}
	if qty <= 0 {
		return 0, fmt.Errorf("close %s: qty must be > 0", symbol)
	}

	var exit float64
	if exitPrice != nil && *exitPrice > 0 {
		exit = *exitPrice
	} else {
		if r.prices == nil {
			return 0, fmt.Errorf("close %s: no exit price and no price provider", symbol)
		}
		p, err := r.prices.LastPrice(ctx, symbol)
		if err != nil {
			return 0, fmt.Errorf("close %s: exit price: %w", symbol, err)
		}
		exit = p
	}

	res, err := r.router.ClosePositionMarket(ctx, symbol, side, qty, "close")
	if err != nil {
		r.log.Error("close failed", zap.String("symbol", symbol), zap.String("side", side), zap.Float64("qty", qty), zap.Error(err))
		r.notifier.Alert(ctx, "close_failed", notify.Fields{"symbol": symbol, "side": side, "qty": qty, "error": err.Error()})
		return 0, fmt.Errorf("close %s: %w", symbol, err)
	}
	if exitPrice == nil && res.AvgPrice > 0 {
		exit = res.AvgPrice
	}

	return r.book(ctx, symbol, side, qty, entry, exit, res.Fee, res.ClientOrderID, true)
}

// RecordExternalClose books a close that already happened on the venue (a stop or
// target fill). A partial fill shrinks the local position instead of removing it.
func (r *Reconciler) RecordExternalClose(ctx context.Context, symbol string, exitPrice, qty, fee float64, orderID string) (float64, error) {
	pos, err := r.db.GetPosition(ctx, symbol)
	if errors.Is(err, db.ErrNotFound) {
		r.log.Info("external close without local position", zap.String("symbol", symbol), zap.String("order_id", orderID))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if qty <= 0 || qty > pos.Qty {
		qty = pos.Qty
	}
	full := decimal.NewFromFloat(pos.Qty).Sub(decimal.NewFromFloat(qty)).LessThanOrEqual(decimal.NewFromFloat(1e-12))
	return r.book(ctx, symbol, pos.Side, qty, pos.EntryPrice, exitPrice, fee, orderID, full)
}

func (r *Reconciler) book(ctx context.Context, symbol, side string, qty, entry, exit, fee float64, orderID string, full bool) (float64, error) {
	pnl := RealizedPnL(side, qty, entry, exit)
	closing := common.SideSell
	if side == db.SideShort {
		closing = common.SideBuy
	}
	now := r.now().Unix()

	if _, err := r.db.InsertTrade(ctx, db.Trade{
		OrderID:     orderID,
		Symbol:      symbol,
		Side:        string(closing),
		Price:       exit,
		Qty:         qty,
		Fee:         fee,
		RealizedPnL: pnl,
		TS:          now,
	}); err != nil {
		return pnl, fmt.Errorf("record close trade %s: %w", symbol, err)
	}

	if !full {
		pos, err := r.db.GetPosition(ctx, symbol)
		if err == nil {
			remaining := decimal.NewFromFloat(pos.Qty).Sub(decimal.NewFromFloat(qty)).InexactFloat64()
			if err := r.db.SetPositionQty(ctx, symbol, remaining); err != nil {
				return pnl, fmt.Errorf("reduce position %s: %w", symbol, err)
			}
		}
		r.log.Info("partial close booked", zap.String("symbol", symbol), zap.Float64("qty", qty), zap.Float64("pnl", pnl))
		return pnl, nil
	}

	if err := r.db.DeletePosition(ctx, symbol); err != nil {
		return pnl, fmt.Errorf("delete position %s: %w", symbol, err)
	}
	if err := r.db.MarkExit(ctx, symbol, now); err != nil {
		r.log.Warn("mark exit", zap.String("symbol", symbol), zap.Error(err))
	}

	r.log.Info("position closed",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("qty", qty),
		zap.Float64("entry", entry),
		zap.Float64("exit", exit),
		zap.Float64("pnl", pnl))
	r.notifier.Info(ctx, "position_closed", notify.Fields{"symbol": symbol, "side": side, "qty": qty, "exit": exit, "pnl": pnl})
	if r.bus != nil {
		r.bus.Publish(events.EventPositionClosed, events.PositionClosed{
			Symbol: symbol, Side: side, Qty: qty, EntryPrice: entry, ExitPrice: exit, RealizedPnL: pnl,
		})
	}
	return pnl, nil
}
