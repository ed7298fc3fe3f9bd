package entry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/cooldown"
	"trading-engine/internal/events"
	"trading-engine/internal/killswitch"
	"trading-engine/internal/order"
	"trading-engine/internal/risk"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

type fakeKill struct {
	allowed bool
	equity  float64
}

func (k *fakeKill) IsTradingAllowed() bool                         { return k.allowed }
func (k *fakeKill) CurrentEquity(context.Context) (float64, error) { return k.equity, nil }

type fakePrices struct{ price float64 }

func (p fakePrices) LastPrice(context.Context, string) (float64, error) {
	if p.price <= 0 {
		return 0, errors.New("no price")
	}
	return p.price, nil
}

type closeCall struct {
	symbol, side string
	qty          float64
}

type fakeCloser struct{ calls []closeCall }

func (c *fakeCloser) CloseAllForSymbol(_ context.Context, symbol, side string, qty, _ float64, _ *float64) (float64, error) {
	c.calls = append(c.calls, closeCall{symbol, side, qty})
	return 0, nil
}

// failingRouter fails every request carrying failTag.
type failingRouter struct {
	inner   *order.Router
	failTag string
}

func (r failingRouter) Place(ctx context.Context, req order.PlaceRequest) (order.Result, error) {
	if req.Tag == r.failTag {
		return order.Result{}, errors.New("venue rejected")
	}
	return r.inner.Place(ctx, req)
}

type levRecorder struct{ calls map[string]int }

func (l *levRecorder) SetLeverage(_ context.Context, symbol string, leverage int) error {
	l.calls[symbol] += leverage
	return nil
}

type harness struct {
	db     *db.Database
	router *order.Router
	kill   *fakeKill
	closer *fakeCloser
	bus    *events.Bus
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	r, err := order.NewRouter(order.Config{Mode: config.ModeDry}, nil, database, nil, nil, nil)
	require.NoError(t, err)

	cfg := config.Default()
	h := &harness{
		db:     database,
		router: r,
		kill:   &fakeKill{allowed: true, equity: 1000},
		closer: &fakeCloser{},
		bus:    events.NewBus(),
	}
	h.deps = Deps{
		Router:    r,
		DB:        database,
		Kill:      h.kill,
		Risk:      risk.NewManager(cfg.Risk, cfg.Order, database, nil),
		Cooldown:  cooldown.NewGate(cfg.Cooldown, database, nil),
		Closer:    h.closer,
		Prices:    fakePrices{price: 100},
		Bus:       h.bus,
		Leverages: cfg.Leverage,
	}
	return h
}

func TestOnSignalOpensProtectedPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened, unsub := h.bus.Subscribe(events.EventPositionOpened, 1)
	defer unsub()

	svc := NewService(h.deps, nil)
	pos, err := svc.OnSignal(ctx, events.Signal{Symbol: "btcusdt", Side: "LONG", Timeframe: "15m"})
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", pos.Symbol)
	assert.InDelta(t, 100, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 10, pos.Qty, 1e-9, "1% of 1000 over a 1.0 stop distance")
	assert.InDelta(t, 99, pos.StopPrice, 1e-9)
	assert.InDelta(t, 101.5, pos.TargetPrice, 1e-9)
	require.NotEmpty(t, pos.StopOrderID)
	require.NotEmpty(t, pos.TargetOrderID)

	sl, err := h.db.GetOrder(ctx, pos.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, "SELL", sl.Side)
	assert.Equal(t, "STOP_MARKET", sl.Type)
	assert.True(t, sl.ReduceOnly)
	tp, err := h.db.GetOrder(ctx, pos.TargetOrderID)
	require.NoError(t, err)
	assert.Equal(t, "TAKE_PROFIT_MARKET", tp.Type)

	st, err := h.db.GetSymbolState(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Greater(t, st.CooldownUntil, time.Now().Unix(), "cooldown armed")

	select {
	case msg := <-opened:
		ev := msg.(events.PositionOpened)
		assert.InDelta(t, 99, ev.Stop, 1e-9)
	default:
		t.Fatal("position.opened not published")
	}
}

func TestOnSignalShortUsesSignalStop(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.deps, nil)

	pos, err := svc.OnSignal(context.Background(), events.Signal{Symbol: "ETHUSDT", Side: "SHORT", Price: 200, Stop: 204})
	require.NoError(t, err)
	assert.Equal(t, db.SideShort, pos.Side)
	assert.InDelta(t, 204, pos.StopPrice, 1e-9)
	assert.InDelta(t, 194, pos.TargetPrice, 1e-9, "1.5R below entry")
	assert.InDelta(t, 2.5, pos.Qty, 1e-9)
}

func TestOnSignalRefusedWhenTradingDisabled(t *testing.T) {
	h := newHarness(t)
	h.kill.allowed = false
	svc := NewService(h.deps, nil)

	_, err := svc.OnSignal(context.Background(), events.Signal{Symbol: "BTCUSDT", Side: "LONG"})
	assert.ErrorIs(t, err, killswitch.ErrTradingDisabled)

	orders, err := h.db.ListOrders(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, orders, "nothing reaches the router")
}

func TestOnSignalSkipsOpenPositionAndCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewService(h.deps, nil)

	_, err := svc.OnSignal(ctx, events.Signal{Symbol: "BTCUSDT", Side: "LONG"})
	require.NoError(t, err)

	_, err = svc.OnSignal(ctx, events.Signal{Symbol: "BTCUSDT", Side: "LONG"})
	assert.ErrorIs(t, err, ErrPositionOpen)

	// Flat again, but still inside the cooldown.
	require.NoError(t, h.db.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong}))
	_, err = svc.OnSignal(ctx, events.Signal{Symbol: "BTCUSDT", Side: "LONG"})
	assert.ErrorIs(t, err, ErrCoolingDown)
}

func TestOnSignalRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.deps, nil)
	ctx := context.Background()

	_, err := svc.OnSignal(ctx, events.Signal{Symbol: "BTCUSDT", Side: "BUY"})
	assert.Error(t, err)

	_, err = svc.OnSignal(ctx, events.Signal{Symbol: "BTCUSDT", Side: "LONG", Stop: 101})
	assert.ErrorIs(t, err, ErrRejected, "a long stop above entry is invalid")
}

func TestStopFailureFlattens(t *testing.T) {
	h := newHarness(t)
	h.deps.Router = failingRouter{inner: h.router, failTag: "sl"}
	svc := NewService(h.deps, nil)

	_, err := svc.OnSignal(context.Background(), events.Signal{Symbol: "BTCUSDT", Side: "LONG"})
	require.Error(t, err)
	require.Len(t, h.closer.calls, 1)
	assert.Equal(t, closeCall{"BTCUSDT", db.SideLong, 10}, h.closer.calls[0])
}

func TestTargetFailureKeepsPosition(t *testing.T) {
	h := newHarness(t)
	h.deps.Router = failingRouter{inner: h.router, failTag: "tp"}
	svc := NewService(h.deps, nil)

	pos, err := svc.OnSignal(context.Background(), events.Signal{Symbol: "BTCUSDT", Side: "LONG"})
	require.NoError(t, err)
	assert.NotEmpty(t, pos.StopOrderID)
	assert.Empty(t, pos.TargetOrderID)
	assert.Empty(t, h.closer.calls)
}

func TestLeverageSetOncePerSymbol(t *testing.T) {
	h := newHarness(t)
	lev := &levRecorder{calls: map[string]int{}}
	h.deps.Leverage = lev
	svc := NewService(h.deps, nil)
	ctx := context.Background()

	_, err := svc.OnSignal(ctx, events.Signal{Symbol: "BTCUSDT", Side: "LONG"})
	require.NoError(t, err)
	require.NoError(t, h.db.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong}))
	require.NoError(t, h.db.SetCooldown(ctx, "BTCUSDT", 0, 0))
	_, err = svc.OnSignal(ctx, events.Signal{Symbol: "BTCUSDT", Side: "LONG", Price: 100.5})
	require.NoError(t, err)

	assert.Equal(t, 5, lev.calls["BTCUSDT"])
}

func TestRunConsumesBus(t *testing.T) {
	h := newHarness(t)
	svc := NewService(h.deps, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opened, unsub := h.bus.Subscribe(events.EventPositionOpened, 1)
	defer unsub()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx, h.bus) }()

	require.Eventually(t, func() bool {
		return h.bus.Publish(events.EventSignal, events.Signal{Symbol: "SOLUSDT", Side: "LONG", Price: 20}) > 0
	}, time.Second, 10*time.Millisecond)

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("signal not consumed")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
