package killswitch

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/pkg/db"
)

// EquitySource values the account for one session.
type EquitySource interface {
	Equity(ctx context.Context, sessionStart int64, startEquity float64) (float64, error)
}

// PriceSource answers the last price of a symbol.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// StoreEquity derives equity from local bookkeeping: start equity plus realized
// PnL booked since the session started plus unrealized PnL of open positions.
type StoreEquity struct {
	DB     *db.Database
	Prices PriceSource
	Log    *zap.Logger
}

func (s StoreEquity) Equity(ctx context.Context, sessionStart int64, startEquity float64) (float64, error) {
	realized, err := s.DB.SumRealizedPnLSince(ctx, sessionStart)
	if err != nil {
		return 0, fmt.Errorf("realized pnl: %w", err)
	}
	positions, err := s.DB.ListPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("positions: %w", err)
	}

	eq := decimal.NewFromFloat(startEquity).Add(decimal.NewFromFloat(realized))
	for _, p := range positions {
		if s.Prices == nil {
			break
		}
		last, err := s.Prices.LastPrice(ctx, p.Symbol)
		if err != nil || last <= 0 {
			// Unpriced positions count as flat rather than blocking the check.
			if s.Log != nil {
				s.Log.Warn("no price for unrealized pnl", zap.String("symbol", p.Symbol), zap.Error(err))
			}
			continue
		}
		eq = eq.Add(unrealized(p, last))
	}
	return eq.InexactFloat64(), nil
}

func unrealized(p db.Position, last float64) decimal.Decimal {
	diff := decimal.NewFromFloat(last).Sub(decimal.NewFromFloat(p.EntryPrice))
	pnl := diff.Mul(decimal.NewFromFloat(p.Qty))
	if !p.IsLong() {
		pnl = pnl.Neg()
	}
	return pnl
}
