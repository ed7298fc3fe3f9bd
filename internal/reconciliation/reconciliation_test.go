package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/events"
	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

type fakeCloser struct {
	err   error
	avg   float64
	calls []string
}

func (f *fakeCloser) ClosePositionMarket(_ context.Context, symbol, side string, qty float64, tag string) (order.Result, error) {
	f.calls = append(f.calls, symbol+":"+side)
	if f.err != nil {
		return order.Result{}, f.err
	}
	return order.Result{ClientOrderID: tag + "-" + symbol, Status: common.StatusFilled, AvgPrice: f.avg, ExecutedQty: qty}, nil
}

type fixedPrice float64

func (p fixedPrice) LastPrice(context.Context, string) (float64, error) { return float64(p), nil }

type recorder struct {
	mu     sync.Mutex
	alerts []string
	infos  []string
}

func (r *recorder) Alert(_ context.Context, topic string, _ notify.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, topic)
}

func (r *recorder) Info(_ context.Context, topic string, _ notify.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, topic)
}

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestRealizedPnL(t *testing.T) {
	assert.InDelta(t, 15, RealizedPnL("LONG", 10, 100, 101.5), 1e-12)
	assert.InDelta(t, -15, RealizedPnL("SHORT", 10, 100, 101.5), 1e-12)
	assert.InDelta(t, -40, RealizedPnL("LONG", 10, 100, 96), 1e-12)
}

func TestCloseAllForSymbolBooksTrade(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 10, EntryPrice: 100}))

	bus := events.NewBus()
	closed, unsub := bus.Subscribe(events.EventPositionClosed, 1)
	defer unsub()
	rec := &recorder{}
	r := NewReconciler(&fakeCloser{}, database, fixedPrice(96), rec, bus, nil)

	pnl, err := r.CloseAllForSymbol(ctx, "BTCUSDT", "LONG", 10, 100, nil)
	require.NoError(t, err)
	assert.InDelta(t, -40, pnl, 1e-12)

	_, err = database.GetPosition(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, db.ErrNotFound)

	trades, err := database.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "SELL", trades[0].Side)
	assert.InDelta(t, -40, trades[0].RealizedPnL, 1e-12)

	state, err := database.GetSymbolState(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.NotZero(t, state.LastExitTS)

	assert.Equal(t, []string{"position_closed"}, rec.infos)
	ev := (<-closed).(events.PositionClosed)
	assert.InDelta(t, 96, ev.ExitPrice, 1e-12)
}

func TestCloseAllForSymbolUsesSuppliedExitAndShortSign(t *testing.T) {
	database := newTestDB(t)
	r := NewReconciler(&fakeCloser{avg: 90}, database, nil, nil, nil, nil)
	exit := 95.0

	pnl, err := r.CloseAllForSymbol(context.Background(), "ETHUSDT", "short", 2, 100, &exit)
	require.NoError(t, err)
	assert.InDelta(t, 10, pnl, 1e-12, "supplied exit wins over fill price")
}

func TestCloseAllForSymbolFailureIsRaised(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 1, EntryPrice: 100}))

	boom := errors.New("gateway timeout")
	rec := &recorder{}
	r := NewReconciler(&fakeCloser{err: boom}, database, fixedPrice(100), rec, nil, nil)

	_, err := r.CloseAllForSymbol(ctx, "BTCUSDT", "LONG", 1, 100, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"close_failed"}, rec.alerts)

	_, err = database.GetPosition(ctx, "BTCUSDT")
	assert.NoError(t, err, "position stays on the book when the close fails")
}

func TestCloseAllForSymbolNeedsPrice(t *testing.T) {
	closer := &fakeCloser{}
	r := NewReconciler(closer, newTestDB(t), nil, nil, nil, nil)
	_, err := r.CloseAllForSymbol(context.Background(), "BTCUSDT", "LONG", 1, 100, nil)
	assert.Error(t, err)
	assert.Empty(t, closer.calls, "nothing is sent without an exit price")
}

func TestRecordExternalClosePartialThenFull(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideShort, Qty: 2, EntryPrice: 100}))
	r := NewReconciler(&fakeCloser{}, database, nil, nil, nil, nil)

	pnl, err := r.RecordExternalClose(ctx, "BTCUSDT", 99, 0.5, 0, "tp-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, pnl, 1e-12)
	p, err := database.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, p.Qty, 1e-12)

	pnl, err = r.RecordExternalClose(ctx, "BTCUSDT", 101, 5, 0.1, "sl-1")
	require.NoError(t, err)
	assert.InDelta(t, -1.5, pnl, 1e-12, "qty is capped at the open position")
	_, err = database.GetPosition(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, db.ErrNotFound)

	pnl, err = r.RecordExternalClose(ctx, "BTCUSDT", 101, 1, 0, "late")
	require.NoError(t, err)
	assert.Zero(t, pnl)
}

type fakePositions []common.PositionInfo

func (f fakePositions) GetPositions(context.Context) ([]common.PositionInfo, error) { return f, nil }

func TestDriftServiceAlignsLocalState(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 1, EntryPrice: 100}))
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "ETHUSDT", Side: db.SideLong, Qty: 3, EntryPrice: 10}))

	remote := fakePositions{
		{Symbol: "ETHUSDT", Amount: 2, EntryPrice: 10},
		{Symbol: "SOLUSDT", Amount: -4, EntryPrice: 20},
	}
	rec := &recorder{}
	booker := NewReconciler(&fakeCloser{}, database, nil, nil, nil, nil)
	s := NewService(remote, booker, nil, fixedPrice(101), database, rec, nil)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)

	actions := map[string]string{}
	for _, d := range report.Diffs {
		actions[d.Symbol] = d.Action
	}
	assert.Equal(t, map[string]string{
		"BTCUSDT": ActionClosedExternally,
		"ETHUSDT": ActionQtySynced,
		"SOLUSDT": ActionAdopted,
	}, actions)
	assert.Len(t, rec.infos, 3)

	trades, err := database.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1, "external close is booked")
	assert.Equal(t, "BTCUSDT", trades[0].Symbol)

	sol, err := database.GetPosition(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, db.SideShort, sol.Side)
	assert.InDelta(t, 4, sol.Qty, 1e-12)

	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Diffs, "second pass is a no-op")
}

type fakeLegs struct{ canceled []string }

func (f *fakeLegs) Cancel(_ context.Context, req order.CancelRequest) (order.Result, error) {
	f.canceled = append(f.canceled, req.ClientOrderID)
	return order.Result{ClientOrderID: req.ClientOrderID, Status: common.StatusCanceled}, nil
}

func TestDriftBooksExternalCloseAtLastPrice(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 10, EntryPrice: 100, StopOrderID: "sl-BTCUSDT-1", TargetOrderID: "tp-BTCUSDT-1"}))

	bus := events.NewBus()
	closed, unsub := bus.Subscribe(events.EventPositionClosed, 1)
	defer unsub()
	legs := &fakeLegs{}
	booker := NewReconciler(&fakeCloser{}, database, nil, nil, bus, nil)
	s := NewService(fakePositions{}, booker, legs, fixedPrice(96), database, nil, nil)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Diffs, 1)
	assert.Equal(t, ActionClosedExternally, report.Diffs[0].Action)

	trades, err := database.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "SELL", trades[0].Side)
	assert.InDelta(t, 96, trades[0].Price, 1e-12)
	assert.InDelta(t, 10, trades[0].Qty, 1e-12)
	assert.InDelta(t, -40, trades[0].RealizedPnL, 1e-12)

	_, err = database.GetPosition(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, db.ErrNotFound)
	state, err := database.GetSymbolState(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.NotZero(t, state.LastExitTS, "cooldown sees the exit")
	assert.ElementsMatch(t, []string{"sl-BTCUSDT-1", "tp-BTCUSDT-1"}, legs.canceled)
	ev := (<-closed).(events.PositionClosed)
	assert.InDelta(t, 96, ev.ExitPrice, 1e-12)
}

func TestDriftSideFlipCancelsCachedLegs(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "ETHUSDT", Side: db.SideLong, Qty: 2, EntryPrice: 10, StopPrice: 9, StopOrderID: "sl-ETHUSDT-1", TargetPrice: 11, TargetOrderID: "tp-ETHUSDT-1"}))

	legs := &fakeLegs{}
	booker := NewReconciler(&fakeCloser{}, database, nil, nil, nil, nil)
	s := NewService(fakePositions{{Symbol: "ETHUSDT", Amount: -3, EntryPrice: 12}}, booker, legs, fixedPrice(12), database, nil, nil)

	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Diffs, 1)
	assert.Equal(t, ActionAdopted, report.Diffs[0].Action)
	assert.Equal(t, []string{"sl-ETHUSDT-1", "tp-ETHUSDT-1"}, legs.canceled)

	p, err := database.GetPosition(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, db.SideShort, p.Side)
	assert.InDelta(t, 3, p.Qty, 1e-12)
	assert.Empty(t, p.StopOrderID)
}

type failingLegs struct{}

func (failingLegs) Cancel(context.Context, order.CancelRequest) (order.Result, error) {
	return order.Result{}, errors.New("venue unavailable")
}

func TestDriftSideFlipKeepsRowWhenCancelFails(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "ETHUSDT", Side: db.SideLong, Qty: 2, EntryPrice: 10, StopOrderID: "sl-ETHUSDT-1"}))

	booker := NewReconciler(&fakeCloser{}, database, nil, nil, nil, nil)
	s := NewService(fakePositions{{Symbol: "ETHUSDT", Amount: -3, EntryPrice: 12}}, booker, failingLegs{}, nil, database, nil, nil)

	_, err := s.RunOnce(ctx)
	assert.Error(t, err)
	p, err := database.GetPosition(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "sl-ETHUSDT-1", p.StopOrderID, "ids stay tracked until the legs are gone")
}

// racingPositions opens a local position while the venue snapshot is in flight.
type racingPositions struct {
	database *db.Database
	opened   db.Position
	remote   []common.PositionInfo
}

func (r *racingPositions) GetPositions(ctx context.Context) ([]common.PositionInfo, error) {
	if err := r.database.UpsertPosition(ctx, r.opened); err != nil {
		return nil, err
	}
	return r.remote, nil
}

func TestDriftSkipsPositionOpenedDuringSnapshot(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	booker := NewReconciler(&fakeCloser{}, database, nil, nil, nil, nil)

	// Fresh symbol: the snapshot predates the entry fill.
	src := &racingPositions{database: database, opened: db.Position{Symbol: "SOLUSDT", Side: db.SideLong, Qty: 4, EntryPrice: 20, StopOrderID: "sl-SOLUSDT-1"}}
	s := NewService(src, booker, nil, fixedPrice(20), database, nil, nil)
	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Diffs)
	p, err := database.GetPosition(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "sl-SOLUSDT-1", p.StopOrderID)

	// Snapshot already shows the fill: the new row keeps its protective ids.
	src = &racingPositions{
		database: database,
		opened:   db.Position{Symbol: "ADAUSDT", Side: db.SideShort, Qty: 100, EntryPrice: 1, StopOrderID: "sl-ADAUSDT-1"},
		remote:   []common.PositionInfo{{Symbol: "SOLUSDT", Amount: 4, EntryPrice: 20}, {Symbol: "ADAUSDT", Amount: -100, EntryPrice: 1}},
	}
	s = NewService(src, booker, nil, fixedPrice(1), database, nil, nil)
	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Diffs)
	ada, err := database.GetPosition(ctx, "ADAUSDT")
	require.NoError(t, err)
	assert.Equal(t, "sl-ADAUSDT-1", ada.StopOrderID)

	// Existing row replaced by a new entry while the venue still reports flat.
	src = &racingPositions{
		database: database,
		opened:   db.Position{Symbol: "SOLUSDT", Side: db.SideShort, Qty: 2, EntryPrice: 21, StopOrderID: "sl-SOLUSDT-2"},
		remote:   []common.PositionInfo{{Symbol: "ADAUSDT", Amount: -100, EntryPrice: 1}},
	}
	s = NewService(src, booker, nil, fixedPrice(21), database, nil, nil)
	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Diffs)
	sol, err := database.GetPosition(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "sl-SOLUSDT-2", sol.StopOrderID)

	trades, err := database.ListTrades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}
