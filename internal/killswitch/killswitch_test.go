package killswitch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/notify"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

type fakeCloser struct {
	closed []string
	fail   map[string]bool
}

func (f *fakeCloser) CloseAllForSymbol(_ context.Context, symbol, _ string, _, _ float64, _ *float64) (float64, error) {
	if f.fail[symbol] {
		return 0, errors.New("venue down")
	}
	f.closed = append(f.closed, symbol)
	return 0, nil
}

type prices map[string]float64

func (p prices) LastPrice(_ context.Context, symbol string) (float64, error) {
	v, ok := p[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return v, nil
}

type wallet float64

func (w wallet) WalletBalance(context.Context) (float64, error) { return float64(w), nil }

type topics struct{ alerts []string }

func (t *topics) Alert(_ context.Context, topic string, _ notify.Fields) {
	t.alerts = append(t.alerts, topic)
}
func (t *topics) Info(context.Context, string, notify.Fields) {}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T, cfg config.RiskConfig, closer Flattener, bal BalanceSource) (*KillSwitch, *db.Database, *topics) {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	rec := &topics{}
	k := New(cfg, database, StoreEquity{DB: database, Prices: prices{}}, closer, bal, rec, nil, nil)
	k.now = func() time.Time { return t0 }
	require.NoError(t, k.Load(context.Background()))
	return k, database, rec
}

func riskCfg() config.RiskConfig {
	return config.RiskConfig{DailyLossLimitPct: 3, GlobalDDLimitPct: 0, StartEquityUSDT: 1000}
}

func TestDailyLossTripsAndFlattens(t *testing.T) {
	closer := &fakeCloser{fail: map[string]bool{"ETHUSDT": true}}
	k, database, rec := setup(t, riskCfg(), closer, nil)
	ctx := context.Background()

	_, err := database.InsertTrade(ctx, db.Trade{OrderID: "x", Symbol: "SOLUSDT", Side: "SELL", Price: 20, Qty: 4, RealizedPnL: -40, TS: t0.Unix() + 60})
	require.NoError(t, err)
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 1, EntryPrice: 100}))
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "ETHUSDT", Side: db.SideShort, Qty: 1, EntryPrice: 10}))

	assert.True(t, k.IsTradingAllowed())
	st, err := k.CheckAndMaybeTrigger(ctx)
	require.NoError(t, err)
	assert.True(t, st.Triggered)
	assert.InDelta(t, 960, st.Equity, 1e-9)
	assert.InDelta(t, -4, st.PnLPct, 1e-9)
	assert.Equal(t, StateDisabled, st.State)
	assert.False(t, k.IsTradingAllowed())

	assert.Equal(t, []string{"BTCUSDT"}, closer.closed, "failures do not abort the flatten")
	assert.Equal(t, []string{"kill_switch_triggered", "kill_switch_flattened"}, rec.alerts)

	st, err = k.CheckAndMaybeTrigger(ctx)
	require.NoError(t, err)
	assert.False(t, st.Triggered)
	assert.Equal(t, "already disabled", st.Reason)
}

func TestDisabledStateSurvivesRestart(t *testing.T) {
	k, database, _ := setup(t, riskCfg(), &fakeCloser{}, nil)
	ctx := context.Background()
	_, err := database.InsertTrade(ctx, db.Trade{OrderID: "x", Symbol: "BTCUSDT", Side: "SELL", Price: 1, Qty: 1, RealizedPnL: -50, TS: t0.Unix()})
	require.NoError(t, err)
	_, err = k.CheckAndMaybeTrigger(ctx)
	require.NoError(t, err)

	restarted := New(riskCfg(), database, StoreEquity{DB: database}, &fakeCloser{}, nil, nil, nil, nil)
	require.NoError(t, restarted.Load(ctx))
	assert.False(t, restarted.IsTradingAllowed())
	assert.Contains(t, restarted.Status().Reason, "daily loss")
}

func TestDrawdownFromPeak(t *testing.T) {
	cfg := config.RiskConfig{GlobalDDLimitPct: 5, StartEquityUSDT: 1000}
	k, database, _ := setup(t, cfg, &fakeCloser{}, nil)
	ctx := context.Background()

	_, err := database.InsertTrade(ctx, db.Trade{OrderID: "a", Symbol: "BTCUSDT", Side: "SELL", Price: 1, Qty: 1, RealizedPnL: 100, TS: t0.Unix()})
	require.NoError(t, err)
	st, err := k.CheckAndMaybeTrigger(ctx)
	require.NoError(t, err)
	assert.False(t, st.Triggered)
	assert.InDelta(t, 1100, st.PeakEquity, 1e-9)

	_, err = database.InsertTrade(ctx, db.Trade{OrderID: "b", Symbol: "BTCUSDT", Side: "SELL", Price: 1, Qty: 1, RealizedPnL: -100, TS: t0.Unix()})
	require.NoError(t, err)
	st, err = k.CheckAndMaybeTrigger(ctx)
	require.NoError(t, err)
	assert.True(t, st.Triggered, "pnl is flat but drawdown from peak is over 9 percent")
	assert.InDelta(t, 100.0/11, st.DDPct, 1e-9)
}

func TestZeroLimitsNeverTrigger(t *testing.T) {
	k, database, _ := setup(t, config.RiskConfig{StartEquityUSDT: 1000}, &fakeCloser{}, nil)
	ctx := context.Background()
	_, err := database.InsertTrade(ctx, db.Trade{OrderID: "a", Symbol: "BTCUSDT", Side: "SELL", Price: 1, Qty: 1, RealizedPnL: -900, TS: t0.Unix()})
	require.NoError(t, err)
	st, err := k.CheckAndMaybeTrigger(ctx)
	require.NoError(t, err)
	assert.False(t, st.Triggered)
}

func TestResetForNewDay(t *testing.T) {
	k, database, _ := setup(t, riskCfg(), &fakeCloser{}, wallet(1200))
	ctx := context.Background()
	_, err := database.InsertTrade(ctx, db.Trade{OrderID: "a", Symbol: "BTCUSDT", Side: "SELL", Price: 1, Qty: 1, RealizedPnL: -500, TS: t0.Unix()})
	require.NoError(t, err)
	_, err = k.CheckAndMaybeTrigger(ctx)
	require.NoError(t, err)
	require.False(t, k.IsTradingAllowed())

	k.now = func() time.Time { return t0.Add(24 * time.Hour) }
	require.NoError(t, k.ResetForNewDay(ctx, nil))
	assert.True(t, k.IsTradingAllowed())
	assert.InDelta(t, 1200, k.Status().StartEquity, 1e-9, "wallet balance when no argument")

	bad := 0.0
	assert.Error(t, k.ResetForNewDay(ctx, &bad))

	// Yesterday's loss is outside the new session.
	st, err := k.CheckAndMaybeTrigger(ctx)
	require.NoError(t, err)
	assert.False(t, st.Triggered)
	assert.InDelta(t, 1200, st.Equity, 1e-9)

	v, ok, err := database.GetEngineState(ctx, keyState)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateEnabled, v)
}

func TestMaybeRollover(t *testing.T) {
	cfg := riskCfg()
	k, _, _ := setup(t, cfg, &fakeCloser{}, nil)
	ctx := context.Background()

	rolled, err := k.MaybeRollover(ctx)
	require.NoError(t, err)
	assert.False(t, rolled, "auto reset off")

	k.cfg.AutoDailyReset = true
	rolled, err = k.MaybeRollover(ctx)
	require.NoError(t, err)
	assert.False(t, rolled, "same day")

	k.now = func() time.Time { return t0.Add(20 * time.Hour) }
	rolled, err = k.MaybeRollover(ctx)
	require.NoError(t, err)
	assert.True(t, rolled)
}

func TestStoreEquityIncludesUnrealized(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()

	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 2, EntryPrice: 100}))
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "ETHUSDT", Side: db.SideShort, Qty: 1, EntryPrice: 10}))
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "XRPUSDT", Side: db.SideShort, Qty: 1, EntryPrice: 1}))

	eq := StoreEquity{DB: database, Prices: prices{"BTCUSDT": 95, "ETHUSDT": 12}}
	v, err := eq.Equity(ctx, 0, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 1000-10-2, v, 1e-9)
}
