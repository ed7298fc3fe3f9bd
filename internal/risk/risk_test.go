package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

func TestProtectiveLevels(t *testing.T) {
	stop, target := ProtectiveLevels("LONG", 100, 1, 1.5)
	assert.InDelta(t, 99.0, stop, 1e-12)
	assert.InDelta(t, 101.5, target, 1e-12)

	stop, target = ProtectiveLevels("SHORT", 100, 1, 1.5)
	assert.InDelta(t, 101.0, stop, 1e-12)
	assert.InDelta(t, 98.5, target, 1e-12)

	assert.InDelta(t, 103, TargetFromStop("LONG", 100, 98, 1.5), 1e-12)
	assert.InDelta(t, 97, TargetFromStop("SHORT", 100, 102, 1.5), 1e-12)
}

func TestPositionSize(t *testing.T) {
	cases := []struct {
		name                     string
		equity, pct, entry, stop float64
		lev                      int
		maxNotional              float64
		want                     float64
	}{
		{"risk bound", 1000, 1, 100, 99, 20, 0, 10},
		{"leverage cap not binding", 1000, 1, 100, 99, 5, 0, 10},
		{"tight stop hits leverage cap", 1000, 1, 100, 99.9, 5, 0, 50},
		{"max notional cap", 1000, 1, 100, 99, 20, 500, 5},
		{"no stop distance", 1000, 1, 100, 100, 5, 0, 0},
		{"no equity", 0, 1, 100, 99, 5, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, PositionSize(tc.equity, tc.pct, tc.entry, tc.stop, tc.lev, tc.maxNotional), 1e-9)
		})
	}
}

func TestLimitsCheck(t *testing.T) {
	l := Limits{MaxOpenPositions: 2, MaxNotional: 1000}
	assert.NoError(t, l.Check(1, 1000))
	assert.ErrorIs(t, l.Check(2, 10), ErrMaxPositions)
	assert.ErrorIs(t, l.Check(0, 1000.5), ErrMaxNotional)
	assert.NoError(t, Limits{}.Check(100, 1e9))
}

func TestEvaluate(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Risk.MaxOpenPositions = 1
	m := NewManager(cfg.Risk, cfg.Order, database, nil)

	dec, err := m.Evaluate(ctx, Intent{Symbol: "BTCUSDT", Side: "LONG", Price: 100, Equity: 1000, Leverage: 20})
	require.NoError(t, err)
	assert.True(t, dec.Allowed, dec.Reason)
	assert.InDelta(t, 99, dec.Stop, 1e-12)
	assert.InDelta(t, 101.5, dec.Target, 1e-12)
	assert.InDelta(t, 10, dec.Qty, 1e-9)

	dec, err = m.Evaluate(ctx, Intent{Symbol: "BTCUSDT", Side: "SHORT", Price: 100, Stop: 102, Equity: 1000, Leverage: 20})
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.InDelta(t, 97, dec.Target, 1e-12, "target follows the signal stop")
	assert.InDelta(t, 5, dec.Qty, 1e-9)

	dec, err = m.Evaluate(ctx, Intent{Symbol: "BTCUSDT", Side: "LONG", Price: 100, Stop: 101, Equity: 1000, Leverage: 20})
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "stop above a long entry")

	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "ETHUSDT", Side: db.SideLong, Qty: 1, EntryPrice: 10}))
	dec, err = m.Evaluate(ctx, Intent{Symbol: "BTCUSDT", Side: "LONG", Price: 100, Equity: 1000, Leverage: 20})
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "max open positions")
}
