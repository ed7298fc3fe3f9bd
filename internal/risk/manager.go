// Package risk sizes entries and places their stop/target levels.
package risk

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

// Manager evaluates entry intents against limits and sizing rules.
type Manager struct {
	risk   config.RiskConfig
	order  config.OrderConfig
	limits Limits
	db     *db.Database
	log    *zap.Logger
}

func NewManager(riskCfg config.RiskConfig, orderCfg config.OrderConfig, database *db.Database, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		risk:   riskCfg,
		order:  orderCfg,
		limits: Limits{MaxOpenPositions: riskCfg.MaxOpenPositions, MaxNotional: riskCfg.MaxNotionalUSDT},
		db:     database,
		log:    log.Named("risk"),
	}
}

// Check applies the open-position and notional caps for a new entry.
func (l Limits) Check(openPositions int, notional float64) error {
	if l.MaxOpenPositions > 0 && openPositions >= l.MaxOpenPositions {
		return fmt.Errorf("%w: %d/%d", ErrMaxPositions, openPositions, l.MaxOpenPositions)
	}
	if l.MaxNotional > 0 && notional > l.MaxNotional*(1+1e-9) {
		return fmt.Errorf("%w: %.2f > %.2f", ErrMaxNotional, notional, l.MaxNotional)
	}
	return nil
}

// Evaluate computes levels and size for in. A rejected decision carries the
// reason; err is reserved for store failures.
func (m *Manager) Evaluate(ctx context.Context, in Intent) (Decision, error) {
	dec := Decision{}

	stop, target := ProtectiveLevels(in.Side, in.Price, m.order.SLPct, m.order.TPRR)
	if in.Stop > 0 {
		stop = in.Stop
		target = TargetFromStop(in.Side, in.Price, stop, m.order.TPRR)
	}
	if in.Target > 0 {
		target = in.Target
	}
	if !ValidLevels(in.Side, in.Price, stop, target) {
		dec.Reason = fmt.Sprintf("invalid levels stop=%v target=%v for %s @ %v", stop, target, in.Side, in.Price)
		return dec, nil
	}
	dec.Stop, dec.Target = stop, target

	dec.Qty = PositionSize(in.Equity, m.risk.RiskPerTradePct, in.Price, stop, in.Leverage, m.limits.MaxNotional)
	if dec.Qty <= 0 {
		dec.Reason = ErrNoSize.Error()
		return dec, nil
	}
	dec.Notional = dec.Qty * in.Price

	positions, err := m.db.ListPositions(ctx)
	if err != nil {
		return Decision{}, err
	}
	if err := m.limits.Check(len(positions), dec.Notional); err != nil {
		dec.Reason = err.Error()
		return dec, nil
	}

	dec.Allowed = true
	m.log.Debug("entry approved",
		zap.String("symbol", in.Symbol),
		zap.String("side", in.Side),
		zap.Float64("qty", dec.Qty),
		zap.Float64("stop", stop),
		zap.Float64("target", target))
	return dec, nil
}
