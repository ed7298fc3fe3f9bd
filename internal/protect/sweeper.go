package protect

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// Sweeper cancels reduce-only stop/target orders left on symbols with no position.
type Sweeper struct {
	router   Router
	db       *db.Database
	notifier notify.Notifier
	log      *zap.Logger
}

func NewSweeper(router Router, database *db.Database, notifier notify.Notifier, log *zap.Logger) *Sweeper {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{router: router, db: database, notifier: notifier, log: log.Named("sweeper")}
}

// RunOnce returns how many orphans were canceled.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	open, err := s.router.OpenOrders(ctx, "")
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}
	positions, err := s.db.ListPositions(ctx)
	if err != nil {
		return 0, err
	}
	held := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		held[p.Symbol] = struct{}{}
	}

	var (
		errs     []error
		canceled int
	)
	for _, o := range open {
		if _, ok := held[o.Symbol]; ok {
			continue
		}
		if !o.ReduceOnly || !common.IsProtective(o.Type) {
			continue
		}
		if _, err := s.router.Cancel(ctx, order.CancelRequest{Symbol: o.Symbol, ClientOrderID: o.ClientID, OrderID: o.ExchangeOrderID}); err != nil {
			s.log.Warn("orphan cancel failed", zap.String("symbol", o.Symbol), zap.String("client_id", o.ClientID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		canceled++
		s.log.Info("orphan protective order canceled", zap.String("symbol", o.Symbol), zap.String("type", o.Type), zap.String("client_id", o.ClientID))
		s.notifier.Info(ctx, "orphan_canceled", notify.Fields{"symbol": o.Symbol, "type": o.Type, "client_id": o.ClientID})
	}
	return canceled, errors.Join(errs...)
}
