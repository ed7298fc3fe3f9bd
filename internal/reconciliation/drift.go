package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// Drift actions.
const (
	ActionClosedExternally = "closed_externally"
	ActionAdopted          = "adopted"
	ActionQtySynced        = "qty_synced"
)

const (
	qtyTolerance = 1e-9
	driftOrderID = "drift"
)

// PositionSource is the venue's position view.
type PositionSource interface {
	GetPositions(ctx context.Context) ([]common.PositionInfo, error)
}

// Booker books a close the venue already executed.
type Booker interface {
	RecordExternalClose(ctx context.Context, symbol string, exitPrice, qty, fee float64, orderID string) (float64, error)
}

// LegCanceler cancels cached protective orders.
type LegCanceler interface {
	Cancel(ctx context.Context, req order.CancelRequest) (order.Result, error)
}

// Report contains one drift pass.
type Report struct {
	Timestamp time.Time
	Diffs     []Diff
}

// Diff is one corrected divergence.
type Diff struct {
	Symbol      string
	LocalQty    float64
	ExchangeQty float64 // signed
	Action      string
}

// Service aligns local positions with the exchange. Live mode only.
type Service struct {
	exchange PositionSource
	booker   Booker
	legs     LegCanceler
	prices   PriceProvider
	db       *db.Database
	notifier notify.Notifier
	log      *zap.Logger
}

func NewService(exchange PositionSource, booker Booker, legs LegCanceler, prices PriceProvider, database *db.Database, notifier notify.Notifier, log *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		exchange: exchange,
		booker:   booker,
		legs:     legs,
		prices:   prices,
		db:       database,
		notifier: notifier,
		log:      log.Named("drift"),
	}
}

// RunOnce compares both views and corrects the local one. Local rows are read
// before the venue snapshot, and a row that changed while the snapshot was in
// flight is left for the next pass.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	report := Report{Timestamp: time.Now()}
	if s.exchange == nil {
		return report, nil
	}

	local, err := s.db.ListPositions(ctx)
	if err != nil {
		return report, err
	}
	remote, err := s.exchange.GetPositions(ctx)
	if err != nil {
		return report, err
	}

	bySymbol := make(map[string]common.PositionInfo, len(remote))
	for _, p := range remote {
		if math.Abs(p.Amount) > qtyTolerance {
			bySymbol[p.Symbol] = p
		}
	}

	var errs []error
	for _, lp := range local {
		rp, ok := bySymbol[lp.Symbol]
		delete(bySymbol, lp.Symbol)
		if ok && sideOf(rp) == lp.Side && math.Abs(math.Abs(rp.Amount)-lp.Qty) <= qtyTolerance {
			continue
		}
		if changed, err := s.changedSince(ctx, lp); err != nil || changed {
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		switch {
		case !ok:
			if err := s.closeExternally(ctx, lp); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Diffs = append(report.Diffs, Diff{Symbol: lp.Symbol, LocalQty: lp.Qty, Action: ActionClosedExternally})
		case sideOf(rp) != lp.Side:
			if err := s.cancelLegs(ctx, lp); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := s.adopt(ctx, rp); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Diffs = append(report.Diffs, Diff{Symbol: lp.Symbol, LocalQty: lp.Qty, ExchangeQty: rp.Amount, Action: ActionAdopted})
		default:
			if err := s.db.SetPositionQty(ctx, lp.Symbol, math.Abs(rp.Amount)); err != nil {
				errs = append(errs, err)
				continue
			}
			report.Diffs = append(report.Diffs, Diff{Symbol: lp.Symbol, LocalQty: lp.Qty, ExchangeQty: rp.Amount, Action: ActionQtySynced})
		}
	}
	for _, rp := range bySymbol {
		// An entry that landed after the local read already owns the row.
		if _, err := s.db.GetPosition(ctx, rp.Symbol); !errors.Is(err, db.ErrNotFound) {
			if err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := s.adopt(ctx, rp); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Diffs = append(report.Diffs, Diff{Symbol: rp.Symbol, ExchangeQty: rp.Amount, Action: ActionAdopted})
	}

	for _, d := range report.Diffs {
		s.log.Warn("position drift corrected",
			zap.String("symbol", d.Symbol),
			zap.Float64("local_qty", d.LocalQty),
			zap.Float64("exchange_qty", d.ExchangeQty),
			zap.String("action", d.Action))
		s.notifier.Info(ctx, "drift", notify.Fields{"symbol": d.Symbol, "local_qty": d.LocalQty, "exchange_qty": d.ExchangeQty, "action": d.Action})
	}
	return report, errors.Join(errs...)
}

// changedSince reports whether the row was rewritten or removed after it was listed.
func (s *Service) changedSince(ctx context.Context, listed db.Position) (bool, error) {
	cur, err := s.db.GetPosition(ctx, listed.Symbol)
	if errors.Is(err, db.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if cur != listed {
		s.log.Debug("position changed during drift pass", zap.String("symbol", listed.Symbol))
		return true, nil
	}
	return false, nil
}

// closeExternally books a position the venue no longer holds at the last
// known price. The fill price and fee are unknown at this point.
func (s *Service) closeExternally(ctx context.Context, lp db.Position) error {
	exit := lp.EntryPrice
	if s.prices != nil {
		if last, err := s.prices.LastPrice(ctx, lp.Symbol); err == nil && last > 0 {
			exit = last
		} else {
			s.log.Warn("no price for external close, booking at entry", zap.String("symbol", lp.Symbol), zap.Error(err))
		}
	}
	if err := s.cancelLegs(ctx, lp); err != nil {
		s.log.Warn("leftover protective orders", zap.String("symbol", lp.Symbol), zap.Error(err))
	}
	if _, err := s.booker.RecordExternalClose(ctx, lp.Symbol, exit, lp.Qty, 0, driftOrderID); err != nil {
		return fmt.Errorf("book external close %s: %w", lp.Symbol, err)
	}
	return nil
}

// cancelLegs cancels the cached stop and target so they are not left
// untracked once the row is replaced or removed.
func (s *Service) cancelLegs(ctx context.Context, lp db.Position) error {
	if s.legs == nil {
		return nil
	}
	var errs []error
	for _, id := range []string{lp.StopOrderID, lp.TargetOrderID} {
		if id == "" {
			continue
		}
		if _, err := s.legs.Cancel(ctx, order.CancelRequest{Symbol: lp.Symbol, ClientOrderID: id}); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) adopt(ctx context.Context, p common.PositionInfo) error {
	return s.db.UpsertPosition(ctx, db.Position{
		Symbol:     p.Symbol,
		Side:       sideOf(p),
		Qty:        math.Abs(p.Amount),
		EntryPrice: p.EntryPrice,
	})
}

func sideOf(p common.PositionInfo) string {
	if p.Amount < 0 {
		return db.SideShort
	}
	return db.SideLong
}
