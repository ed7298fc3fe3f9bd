// Package cooldown decides how long a symbol rests after an entry.
package cooldown

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

// Inputs feed the sub-factors. nil means no data, which is neutral (1.0).
type Inputs struct {
	Timeframe      string
	NATR           *float64
	RecentAttempts *int
	SignalStrength *float64
}

// Compute returns the cooldown in seconds, always within [min_sec, max_sec].
func Compute(cfg config.CooldownConfig, in Inputs) float64 {
	if cfg.Mode == "fixed" {
		return clamp(cfg.BaseSec, cfg.MinSec, cfg.MaxSec)
	}
	sec := cfg.BaseSec * tfFactor(cfg.TFScale, in.Timeframe)
	if in.NATR != nil {
		// calm market: long rest; volatile market: re-enter sooner
		sec *= interp(*in.NATR, cfg.Volatility, cfg.Volatility.HighFactor, cfg.Volatility.LowFactor)
	}
	if in.RecentAttempts != nil {
		sec *= interp(float64(*in.RecentAttempts), cfg.Frequency, cfg.Frequency.LowFactor, cfg.Frequency.HighFactor)
	}
	if in.SignalStrength != nil {
		sec *= interp(*in.SignalStrength, cfg.Signal, cfg.Signal.HighFactor, cfg.Signal.LowFactor)
	}
	return clamp(sec, cfg.MinSec, cfg.MaxSec)
}

func tfFactor(scale map[string]float64, tf string) float64 {
	if f, ok := scale[tf]; ok && f > 0 {
		return f
	}
	return 1
}

// interp maps x linearly from [b.Low, b.High] onto [atLow, atHigh], flat outside.
func interp(x float64, b config.Band, atLow, atHigh float64) float64 {
	if math.IsNaN(x) || b.High <= b.Low {
		return 1
	}
	if atLow <= 0 {
		atLow = 1
	}
	if atHigh <= 0 {
		atHigh = 1
	}
	switch {
	case x <= b.Low:
		return atLow
	case x >= b.High:
		return atHigh
	}
	t := (x - b.Low) / (b.High - b.Low)
	return atLow + t*(atHigh-atLow)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return math.Max(lo, hi)
	}
	return v
}

// Gate enforces cooldowns through the symbol_state table.
type Gate struct {
	cfg config.CooldownConfig
	db  *db.Database
	log *zap.Logger
}

func NewGate(cfg config.CooldownConfig, database *db.Database, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{cfg: cfg, db: database, log: log.Named("cooldown")}
}

// Allowed reports whether symbol may enter at now, and how long remains if not.
func (g *Gate) Allowed(ctx context.Context, symbol string, now time.Time) (bool, time.Duration, error) {
	s, err := g.db.GetSymbolState(ctx, symbol)
	if err != nil {
		return false, 0, err
	}
	if now.Unix() >= s.CooldownUntil {
		return true, 0, nil
	}
	return false, time.Duration(s.CooldownUntil-now.Unix()) * time.Second, nil
}

// Arm starts a cooldown for symbol. Missing attempt counts are read from the
// entry orders inside the configured window.
func (g *Gate) Arm(ctx context.Context, symbol string, now time.Time, in Inputs) (float64, error) {
	if in.RecentAttempts == nil && g.cfg.WindowSec > 0 {
		n, err := g.db.CountOrdersSince(ctx, symbol, "entry", now.Unix()-int64(g.cfg.WindowSec))
		if err != nil {
			return 0, fmt.Errorf("count attempts: %w", err)
		}
		in.RecentAttempts = &n
	}
	sec := Compute(g.cfg, in)
	until := now.Unix() + int64(math.Ceil(sec))
	if err := g.db.SetCooldown(ctx, symbol, now.Unix(), until); err != nil {
		return 0, err
	}
	g.log.Debug("cooldown armed", zap.String("symbol", symbol), zap.Float64("sec", sec), zap.Int64("until", until))
	return sec, nil
}
