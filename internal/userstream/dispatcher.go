package userstream

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// OCO cancels the counterpart of a protective order that reached a terminal state.
type OCO interface {
	OnTerminal(ctx context.Context, symbol, orderID string) (bool, error)
}

// Booker records closes that happened on the venue.
type Booker interface {
	RecordExternalClose(ctx context.Context, symbol string, exitPrice, qty, fee float64, orderID string) (float64, error)
}

// Prices is the price cache the dispatcher reads and feeds.
type Prices interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
	Observe(symbol string, price float64)
}

// Dispatcher applies push events to the store.
type Dispatcher struct {
	db       *db.Database
	oco      OCO
	booker   Booker
	prices   Prices
	notifier notify.Notifier
	log      *zap.Logger
}

func NewDispatcher(database *db.Database, oco OCO, booker Booker, prices Prices, notifier notify.Notifier, log *zap.Logger) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{db: database, oco: oco, booker: booker, prices: prices, notifier: notifier, log: log.Named("dispatch")}
}

// Handle routes one event.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case AccountUpdate:
		return d.onAccount(ctx, e)
	case OrderTradeUpdate:
		return d.onOrder(ctx, e)
	case ListenKeyExpired:
		// Session.Run drops the key and reconnects after this event.
		d.log.Warn("listen key expired")
		return nil
	case MarginCall:
		fields := notify.Fields{"cross_wallet": e.CrossWallet, "positions": len(e.Positions)}
		for _, p := range e.Positions {
			fields[p.Symbol] = p.MaintenanceMargin
		}
		d.notifier.Alert(ctx, "margin_call", fields)
		return nil
	case Unknown:
		d.log.Debug("ignored event", zap.String("type", e.Type))
		return nil
	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
}

// onAccount is informational. A flat venue position is booked by the order
// event that closed it, with its real fill price and fee, or by the drift
// check when no such event arrives.
func (d *Dispatcher) onAccount(ctx context.Context, e AccountUpdate) error {
	d.log.Info("account update", zap.String("reason", e.Reason), zap.Int("positions", len(e.Positions)), zap.Int("balances", len(e.Balances)))
	var errs []error
	for _, p := range e.Positions {
		if p.Amount != 0 {
			continue
		}
		local, err := d.db.GetPosition(ctx, p.Symbol)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.log.Info("position flat on venue, awaiting order event",
			zap.String("symbol", p.Symbol),
			zap.String("side", local.Side),
			zap.Float64("qty", local.Qty))
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) onOrder(ctx context.Context, e OrderTradeUpdate) error {
	log := d.log.With(zap.String("symbol", e.Symbol), zap.String("client_id", e.ClientOrderID), zap.String("status", string(e.Status)))
	if e.LastPrice > 0 && d.prices != nil {
		d.prices.Observe(e.Symbol, e.LastPrice)
	}
	if e.ClientOrderID != "" {
		if err := d.db.UpdateOrderStatus(ctx, e.ClientOrderID, e.ExchangeOrderID, string(e.Status)); err != nil {
			return err
		}
	}
	if !e.Status.Terminal() {
		log.Debug("order update")
		return nil
	}

	protective, err := d.isProtective(ctx, e)
	if err != nil {
		return err
	}
	log.Info("order terminal", zap.Bool("protective", protective), zap.Float64("filled", e.FilledQty), zap.Float64("avg_price", e.AvgPrice))
	if !protective {
		return nil
	}

	// Counterpart first: booking a full close deletes the position row it reads.
	if _, err := d.oco.OnTerminal(ctx, e.Symbol, e.ClientOrderID); err != nil {
		log.Warn("oco counterpart cancel failed", zap.Error(err))
	}
	if e.Status != common.StatusFilled || e.FilledQty <= 0 {
		return nil
	}
	exit := e.AvgPrice
	if exit <= 0 {
		exit = e.LastPrice
	}
	pnl, err := d.booker.RecordExternalClose(ctx, e.Symbol, exit, e.FilledQty, e.Commission, e.ClientOrderID)
	if err != nil {
		return fmt.Errorf("book protective fill: %w", err)
	}
	log.Info("protective fill booked", zap.Float64("pnl", pnl))
	return nil
}

// isProtective matches the cached stop/target ids, then falls back to the
// order's tag for fills that arrive after a periodic OCO pass cleared the cache.
func (d *Dispatcher) isProtective(ctx context.Context, e OrderTradeUpdate) (bool, error) {
	if e.ClientOrderID == "" {
		return false, nil
	}
	pos, err := d.db.GetPosition(ctx, e.Symbol)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	if e.ClientOrderID == pos.StopOrderID || e.ClientOrderID == pos.TargetOrderID {
		return true, nil
	}
	o, err := d.db.GetOrder(ctx, e.ClientOrderID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return o.Tag == "sl" || o.Tag == "tp", nil
}

// PaperFill adapts a simulated fill into the same path as a venue push event.
func (d *Dispatcher) PaperFill(ctx context.Context, f order.Fill) {
	ev := OrderTradeUpdate{
		Time:            f.TS * 1000,
		Symbol:          f.Symbol,
		ClientOrderID:   f.ClientID,
		ExchangeOrderID: f.ExchangeOrderID,
		Side:            f.Side,
		OrderType:       string(f.Type),
		ExecType:        "TRADE",
		Status:          f.Status,
		Qty:             f.Qty,
		AvgPrice:        f.Price,
		LastQty:         f.Qty,
		LastPrice:       f.Price,
		FilledQty:       f.Qty,
		Commission:      f.Fee,
		ReduceOnly:      f.ReduceOnly,
	}
	if err := d.Handle(ctx, ev); err != nil {
		d.log.Warn("paper fill handling failed", zap.String("client_id", f.ClientID), zap.Error(err))
	}
}
