package protect

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/pkg/db"
)

// OCOWatcher cancels the surviving leg of a stop/target pair once the other is gone.
type OCOWatcher struct {
	router   Router
	db       *db.Database
	notifier notify.Notifier
	log      *zap.Logger
}

func NewOCOWatcher(router Router, database *db.Database, notifier notify.Notifier, log *zap.Logger) *OCOWatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OCOWatcher{router: router, db: database, notifier: notifier, log: log.Named("oco")}
}

// RunOnce checks every position with cached protective ids.
func (w *OCOWatcher) RunOnce(ctx context.Context) error {
	positions, err := w.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, pos := range positions {
		if pos.StopOrderID == "" && pos.TargetOrderID == "" {
			continue
		}
		if err := w.checkSymbol(ctx, pos); err != nil {
			w.log.Warn("oco check failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *OCOWatcher) checkSymbol(ctx context.Context, snapshot db.Position) error {
	open, err := w.router.OpenOrders(ctx, snapshot.Symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	// Re-read: a replace may have swapped ids while the listing was in flight.
	pos, err := w.db.GetPosition(ctx, snapshot.Symbol)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if pos.StopOrderID != snapshot.StopOrderID || pos.TargetOrderID != snapshot.TargetOrderID {
		return nil
	}

	live := liveIDs(open)
	_, stopLive := live[pos.StopOrderID]
	_, targetLive := live[pos.TargetOrderID]
	stopLive = stopLive && pos.StopOrderID != ""
	targetLive = targetLive && pos.TargetOrderID != ""

	switch {
	case pos.StopOrderID != "" && !stopLive && targetLive:
		return w.cancelCounterpart(ctx, pos, stopLeg)
	case pos.TargetOrderID != "" && !targetLive && stopLive:
		return w.cancelCounterpart(ctx, pos, targetLeg)
	case !stopLive && !targetLive:
		return w.db.ClearProtectiveOrders(ctx, pos.Symbol)
	}
	return nil
}

// OnTerminal reacts to a protective order reaching FILLED/CANCELED/EXPIRED.
// It reports whether orderID was one of the cached protective ids.
func (w *OCOWatcher) OnTerminal(ctx context.Context, symbol, orderID string) (bool, error) {
	pos, err := w.db.GetPosition(ctx, symbol)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch orderID {
	case "":
		return false, nil
	case pos.StopOrderID:
		return true, w.cancelCounterpart(ctx, pos, stopLeg)
	case pos.TargetOrderID:
		return true, w.cancelCounterpart(ctx, pos, targetLeg)
	}
	return false, nil
}

// cancelCounterpart cancels the other leg of gone and clears both cache fields.
func (w *OCOWatcher) cancelCounterpart(ctx context.Context, pos db.Position, gone leg) error {
	other := pos.TargetOrderID
	if gone == targetLeg {
		other = pos.StopOrderID
	}
	if other != "" {
		res, err := w.router.Cancel(ctx, order.CancelRequest{Symbol: pos.Symbol, ClientOrderID: other})
		if err != nil {
			return fmt.Errorf("cancel counterpart %s: %w", other, err)
		}
		w.log.Info("oco counterpart canceled",
			zap.String("symbol", pos.Symbol),
			zap.String("gone", gone.String()),
			zap.String("canceled", other),
			zap.Bool("already_gone", res.AlreadyGone))
		w.notifier.Info(ctx, "oco_cancel", notify.Fields{"symbol": pos.Symbol, "gone": gone.String(), "canceled": other})
	}
	return w.db.ClearProtectiveOrders(ctx, pos.Symbol)
}
