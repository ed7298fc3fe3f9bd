package protect

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/indicators"
	"trading-engine/internal/notify"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// Trailing types.
const (
	TrailStep = "step"
	TrailATR  = "atr"
	TrailOff  = "off"
)

// TrailInput is the state needed for one trailing evaluation.
type TrailInput struct {
	Long     bool
	Price    float64
	PrevStop float64 // 0 when no stop yet
	Peak     float64
	Trough   float64
	Type     string
	StepPct  float64
	ATR      float64
	ATRMult  float64
}

// TrailResult carries the new stop and the updated extremes.
type TrailResult struct {
	Stop   float64
	Peak   float64
	Trough float64
	Moved  bool
}

// ComputeTrailingStop returns a stop that only ever tightens: max(prev, candidate)
// for longs, min(prev, candidate) for shorts. A candidate that is already through
// the current price is ignored.
func ComputeTrailingStop(in TrailInput) TrailResult {
	res := TrailResult{Stop: in.PrevStop, Peak: in.Peak, Trough: in.Trough}
	if in.Price <= 0 {
		return res
	}
	if in.Long && in.Price > res.Peak {
		res.Peak = in.Price
	}
	if !in.Long && (res.Trough <= 0 || in.Price < res.Trough) {
		res.Trough = in.Price
	}

	var candidate decimal.Decimal
	switch in.Type {
	case TrailStep:
		if in.StepPct <= 0 {
			return res
		}
		step := decimal.NewFromFloat(in.StepPct).Div(decimal.NewFromInt(100))
		if in.Long {
			candidate = decimal.NewFromFloat(res.Peak).Mul(decimal.NewFromInt(1).Sub(step))
		} else {
			candidate = decimal.NewFromFloat(res.Trough).Mul(decimal.NewFromInt(1).Add(step))
		}
	case TrailATR:
		if in.ATR <= 0 || in.ATRMult <= 0 {
			return res
		}
		dist := decimal.NewFromFloat(in.ATR).Mul(decimal.NewFromFloat(in.ATRMult))
		if in.Long {
			candidate = decimal.NewFromFloat(in.Price).Sub(dist)
		} else {
			candidate = decimal.NewFromFloat(in.Price).Add(dist)
		}
	default:
		return res
	}

	c := candidate.InexactFloat64()
	if c <= 0 {
		return res
	}
	if in.Long {
		if c >= in.Price {
			return res
		}
		if in.PrevStop <= 0 || c > in.PrevStop {
			res.Stop, res.Moved = c, true
		}
		return res
	}
	if c <= in.Price {
		return res
	}
	if in.PrevStop <= 0 || c < in.PrevStop {
		res.Stop, res.Moved = c, true
	}
	return res
}

// CandleSource provides klines for ATR.
type CandleSource interface {
	PriceSource
	Candles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error)
}

// Trailer drives ComputeTrailingStop for every open position and moves the
// exchange stop when it tightens.
type Trailer struct {
	cfg      config.TrailingConfig
	router   Router
	db       *db.Database
	market   CandleSource
	notifier notify.Notifier
	log      *zap.Logger
}

func NewTrailer(cfg config.TrailingConfig, router Router, database *db.Database, market CandleSource, notifier notify.Notifier, log *zap.Logger) *Trailer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Trailer{cfg: cfg, router: router, db: database, market: market, notifier: notifier, log: log.Named("trailer")}
}

// RunOnce evaluates every position.
func (t *Trailer) RunOnce(ctx context.Context) error {
	if t.cfg.Type == TrailOff || t.cfg.Type == "" {
		return nil
	}
	positions, err := t.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range positions {
		if err := t.updateSymbol(ctx, p); err != nil {
			t.log.Warn("trailing update failed", zap.String("symbol", p.Symbol), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Trailer) updateSymbol(ctx context.Context, pos db.Position) error {
	price, err := t.market.LastPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	state, err := t.db.GetSymbolState(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if pos.StopOrderID == "" {
		if pos, err = t.rearm(ctx, pos, state); err != nil {
			return err
		}
	}

	in := TrailInput{
		Long:     pos.IsLong(),
		Price:    price,
		PrevStop: tighter(pos.IsLong(), pos.StopPrice, state.TrailStop),
		Peak:     state.Peak,
		Trough:   state.Trough,
		Type:     t.cfg.Type,
		StepPct:  t.cfg.StepPct,
		ATRMult:  t.cfg.ATRMult,
	}
	if in.Peak <= 0 && in.Long {
		in.Peak = pos.EntryPrice
	}
	if in.Trough <= 0 && !in.Long {
		in.Trough = pos.EntryPrice
	}
	if t.cfg.Type == TrailATR {
		candles, err := t.market.Candles(ctx, pos.Symbol, t.cfg.Interval, t.cfg.ATRPeriod*3+1)
		if err != nil {
			return fmt.Errorf("candles: %w", err)
		}
		atr, ok := indicators.ATR(candles, t.cfg.ATRPeriod)
		if !ok {
			return fmt.Errorf("atr %s: not enough candles (%d)", pos.Symbol, len(candles))
		}
		in.ATR = atr
	}

	res := ComputeTrailingStop(in)
	if !res.Moved {
		return t.db.SetTrailState(ctx, pos.Symbol, state.TrailStop, res.Peak, res.Trough)
	}

	// Stored stop advances only after the exchange order is placed.
	placed, err := replaceLeg(ctx, t.router, t.db, pos, stopLeg, res.Stop)
	if err != nil {
		_ = t.db.SetTrailState(ctx, pos.Symbol, state.TrailStop, res.Peak, res.Trough)
		t.notifier.Alert(ctx, "stop_replace_failed", notify.Fields{"symbol": pos.Symbol, "stop": res.Stop, "error": err.Error()})
		return err
	}
	if err := t.db.SetTrailState(ctx, pos.Symbol, res.Stop, res.Peak, res.Trough); err != nil {
		return err
	}
	t.log.Info("trailing stop moved",
		zap.String("symbol", pos.Symbol),
		zap.Float64("from", in.PrevStop),
		zap.Float64("to", placed.StopPrice),
		zap.Float64("price", price))
	t.notifier.Info(ctx, "trailing_stop_moved", notify.Fields{"symbol": pos.Symbol, "from": in.PrevStop, "to": placed.StopPrice})
	return nil
}

// rearm places a stop for a position whose cached stop id is empty, at the
// tightest level known for it. Positions that never had a stop level are left alone.
func (t *Trailer) rearm(ctx context.Context, pos db.Position, state db.SymbolState) (db.Position, error) {
	level := tighter(pos.IsLong(), pos.StopPrice, state.TrailStop)
	if level <= 0 {
		return pos, nil
	}
	res, err := placeLeg(ctx, t.router, t.db, pos, stopLeg, level)
	if err != nil {
		t.notifier.Alert(ctx, "stop_rearm_failed", notify.Fields{"symbol": pos.Symbol, "stop": level, "error": err.Error()})
		return pos, err
	}
	t.log.Warn("missing stop re-armed", zap.String("symbol", pos.Symbol), zap.Float64("stop", level), zap.String("client_id", res.ClientOrderID))
	t.notifier.Alert(ctx, "stop_rearmed", notify.Fields{"symbol": pos.Symbol, "stop": level})
	return t.db.GetPosition(ctx, pos.Symbol)
}

// tighter picks the more protective of two stop levels, ignoring unset (0) values.
func tighter(long bool, a, b float64) float64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case long && b > a, !long && b < a:
		return b
	}
	return a
}
