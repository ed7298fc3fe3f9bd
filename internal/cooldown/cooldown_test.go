package cooldown

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

func f(v float64) *float64 { return &v }
func n(v int) *int         { return &v }

func TestComputeNeutralAndFixed(t *testing.T) {
	cfg := config.Default().Cooldown
	assert.InDelta(t, cfg.BaseSec, Compute(cfg, Inputs{}), 1e-9, "no data is neutral")

	cfg.Mode = "fixed"
	cfg.BaseSec = 10
	assert.InDelta(t, cfg.MinSec, Compute(cfg, Inputs{NATR: f(0)}), 1e-9, "fixed still clamps")
}

func TestComputeClampsToMaxAlways(t *testing.T) {
	cfg := config.CooldownConfig{Mode: "fixed", BaseSec: 900}
	assert.Zero(t, Compute(cfg, Inputs{}), "zero max is a bound, not unlimited")

	cfg.MinSec, cfg.MaxSec = 60, 30
	assert.InDelta(t, 60, Compute(cfg, Inputs{}), 1e-9, "min wins over an inverted max")
}

func TestComputeFactors(t *testing.T) {
	cfg := config.CooldownConfig{
		Mode:       "dynamic",
		BaseSec:    1000,
		MinSec:     0,
		MaxSec:     100000,
		TFScale:    map[string]float64{"1h": 2},
		Volatility: config.Band{Low: 1, High: 3, LowFactor: 0.5, HighFactor: 1.5},
		Frequency:  config.Band{Low: 0, High: 4, LowFactor: 1, HighFactor: 3},
		Signal:     config.Band{Low: 0.2, High: 0.8, LowFactor: 0.5, HighFactor: 1.5},
	}
	cases := []struct {
		name string
		in   Inputs
		want float64
	}{
		{"timeframe", Inputs{Timeframe: "1h"}, 2000},
		{"unknown timeframe", Inputs{Timeframe: "4h"}, 1000},
		{"calm market rests longer", Inputs{NATR: f(0.5)}, 1500},
		{"volatile market rests less", Inputs{NATR: f(5)}, 500},
		{"volatility midpoint", Inputs{NATR: f(2)}, 1000},
		{"frequency interpolates", Inputs{RecentAttempts: n(2)}, 2000},
		{"frequency caps", Inputs{RecentAttempts: n(10)}, 3000},
		{"weak signal", Inputs{SignalStrength: f(0.1)}, 1500},
		{"strong signal", Inputs{SignalStrength: f(0.9)}, 500},
		{"combined", Inputs{Timeframe: "1h", NATR: f(5), RecentAttempts: n(4), SignalStrength: f(0.9)}, 1000 * 2 * 0.5 * 3 * 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Compute(cfg, tc.in), 1e-9)
		})
	}
}

func TestComputeAlwaysClamped(t *testing.T) {
	cfg := config.Default().Cooldown
	extremes := []Inputs{
		{NATR: f(0), RecentAttempts: n(1000), SignalStrength: f(0)},
		{NATR: f(1e9), RecentAttempts: n(0), SignalStrength: f(1)},
		{NATR: f(math.NaN())},
	}
	for _, in := range extremes {
		v := Compute(cfg, in)
		assert.GreaterOrEqual(t, v, cfg.MinSec)
		assert.LessOrEqual(t, v, cfg.MaxSec)
	}
}

func TestGateArmsAndBlocks(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()

	cfg := config.CooldownConfig{Mode: "fixed", BaseSec: 300, MinSec: 60, MaxSec: 600}
	g := NewGate(cfg, database, nil)
	now := time.Unix(1_700_000_000, 0)

	ok, _, err := g.Allowed(ctx, "BTCUSDT", now)
	require.NoError(t, err)
	assert.True(t, ok)

	sec, err := g.Arm(ctx, "BTCUSDT", now, Inputs{})
	require.NoError(t, err)
	assert.InDelta(t, 300, sec, 1e-9)

	ok, left, err := g.Allowed(ctx, "BTCUSDT", now.Add(100*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 200*time.Second, left)

	ok, _, err = g.Allowed(ctx, "BTCUSDT", now.Add(300*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGateCountsRecentEntries(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"entry-a", "entry-b"} {
		require.NoError(t, database.InsertOrder(ctx, db.Order{ClientOrderID: id, Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Status: "FILLED", Qty: 1, Tag: "entry", Mode: "paper", CreatedAt: now.Unix() - int64(i*10)}))
	}
	cfg := config.CooldownConfig{
		Mode: "dynamic", BaseSec: 100, MinSec: 0, MaxSec: 10000, WindowSec: 3600,
		Frequency: config.Band{Low: 0, High: 4, LowFactor: 1, HighFactor: 3},
	}
	sec, err := NewGate(cfg, database, nil).Arm(ctx, "BTCUSDT", now, Inputs{})
	require.NoError(t, err)
	assert.InDelta(t, 200, sec, 1e-9)
}
