package userstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

const orderUpdate = `{"e":"ORDER_TRADE_UPDATE","E":1700000000100,"T":1700000000099,"o":{"s":"BTCUSDT","c":"sl-BTCUSDT-abc","S":"SELL","o":"STOP_MARKET","f":"GTC","q":"0.5","p":"0","ap":"98.9","sp":"99","x":"TRADE","X":"FILLED","i":8886774,"l":"0.5","z":"0.5","L":"98.9","N":"USDT","n":"0.02","T":1700000000099,"t":12,"b":"0","a":"0","m":false,"R":true,"wt":"CONTRACT_PRICE","ot":"STOP_MARKET","ps":"BOTH","cp":false,"rp":"-0.55"}}`

func TestDecodeOrderTradeUpdate(t *testing.T) {
	ev, err := Decode([]byte(orderUpdate))
	require.NoError(t, err)
	o, ok := ev.(OrderTradeUpdate)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", o.Symbol)
	assert.Equal(t, common.SideSell, o.Side)
	assert.Equal(t, common.StatusFilled, o.Status)
	assert.Equal(t, "TRADE", o.ExecType)
	assert.Equal(t, "8886774", o.ExchangeOrderID)
	assert.InDelta(t, 98.9, o.AvgPrice, 1e-12)
	assert.InDelta(t, 0.5, o.LastQty, 1e-12)
	assert.InDelta(t, 0.02, o.Commission, 1e-12)
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, int64(1700000000100), o.EventTime())
}

func TestDecodeOtherEvents(t *testing.T) {
	ev, err := Decode([]byte(`{"e":"ACCOUNT_UPDATE","E":1,"T":1,"a":{"m":"ORDER","B":[{"a":"USDT","wb":"1000.5","cw":"990","bc":"0"}],"P":[{"s":"BTCUSDT","pa":"0","ep":"0.0","cr":"0","up":"0","mt":"cross","iw":"0","ps":"BOTH"}]}}`))
	require.NoError(t, err)
	acc, ok := ev.(AccountUpdate)
	require.True(t, ok)
	assert.Equal(t, "ORDER", acc.Reason)
	require.Len(t, acc.Balances, 1)
	assert.InDelta(t, 1000.5, acc.Balances[0].WalletBalance, 1e-12)
	require.Len(t, acc.Positions, 1)
	assert.Zero(t, acc.Positions[0].Amount)

	ev, err = Decode([]byte(`{"e":"listenKeyExpired","E":5,"listenKey":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, ListenKeyExpired{Time: 5, ListenKey: "abc"}, ev)

	ev, err = Decode([]byte(`{"e":"MARGIN_CALL","E":7,"cw":"3.16","p":[{"s":"ETHUSDT","ps":"LONG","pa":"1.3","mt":"CROSSED","iw":"0","mp":"187.1","up":"-1.1","mm":"1.6"}]}`))
	require.NoError(t, err)
	mc, ok := ev.(MarginCall)
	require.True(t, ok)
	assert.InDelta(t, 1.6, mc.Positions[0].MaintenanceMargin, 1e-12)

	ev, err = Decode([]byte(`{"e":"TRADE_LITE","E":9}`))
	require.NoError(t, err)
	assert.Equal(t, "TRADE_LITE", ev.(Unknown).Type)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)
	got := []time.Duration{b.Next(), b.Next(), b.Next(), b.Next(), b.Next()}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, got)
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

type fakeOCO struct{ calls []string }

func (f *fakeOCO) OnTerminal(_ context.Context, _ string, orderID string) (bool, error) {
	f.calls = append(f.calls, orderID)
	return true, nil
}

type bookCall struct {
	symbol  string
	exit    float64
	qty     float64
	fee     float64
	orderID string
}

type fakeBooker struct{ calls []bookCall }

func (f *fakeBooker) RecordExternalClose(_ context.Context, symbol string, exit, qty, fee float64, orderID string) (float64, error) {
	f.calls = append(f.calls, bookCall{symbol, exit, qty, fee, orderID})
	return 0, nil
}

type memPrices struct {
	mu sync.Mutex
	m  map[string]float64
}

func (p *memPrices) LastPrice(_ context.Context, s string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[s]
	if !ok {
		return 0, errors.New("no price")
	}
	return v, nil
}

func (p *memPrices) Observe(s string, v float64) {
	p.mu.Lock()
	p.m[s] = v
	p.mu.Unlock()
}

type alerts struct{ topics []string }

func (a *alerts) Alert(_ context.Context, topic string, _ notify.Fields) { a.topics = append(a.topics, topic) }
func (a *alerts) Info(context.Context, string, notify.Fields)            {}

func newDispatcher(t *testing.T) (*Dispatcher, *db.Database, *fakeOCO, *fakeBooker, *memPrices, *alerts) {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	oco, booker := &fakeOCO{}, &fakeBooker{}
	prices := &memPrices{m: map[string]float64{}}
	al := &alerts{}
	return NewDispatcher(database, oco, booker, prices, al, nil), database, oco, booker, prices, al
}

func TestDispatcherProtectiveFill(t *testing.T) {
	d, database, oco, booker, prices, _ := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 0.5, EntryPrice: 100}))
	require.NoError(t, database.SetStopOrder(ctx, "BTCUSDT", 99, "sl-BTCUSDT-abc"))
	require.NoError(t, database.InsertOrder(ctx, db.Order{ClientOrderID: "sl-BTCUSDT-abc", Symbol: "BTCUSDT", Side: "SELL", Type: "STOP_MARKET", Status: "NEW", Qty: 0.5, ReduceOnly: true, Tag: "sl", Mode: "live"}))

	ev, err := Decode([]byte(orderUpdate))
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, ev))

	o, err := database.GetOrder(ctx, "sl-BTCUSDT-abc")
	require.NoError(t, err)
	assert.Equal(t, "FILLED", o.Status)
	assert.Equal(t, "8886774", o.ExchangeOrderID)

	assert.Equal(t, []string{"sl-BTCUSDT-abc"}, oco.calls)
	require.Len(t, booker.calls, 1)
	assert.Equal(t, bookCall{"BTCUSDT", 98.9, 0.5, 0.02, "sl-BTCUSDT-abc"}, booker.calls[0])

	last, err := prices.LastPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 98.9, last, 1e-12)
}

func TestDispatcherIgnoresForeignAndOpenOrders(t *testing.T) {
	d, database, oco, booker, _, _ := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 0.5, EntryPrice: 100}))

	require.NoError(t, d.Handle(ctx, OrderTradeUpdate{Symbol: "BTCUSDT", ClientOrderID: "web_123", Status: common.StatusFilled, FilledQty: 1}))
	require.NoError(t, d.Handle(ctx, OrderTradeUpdate{Symbol: "BTCUSDT", ClientOrderID: "tp-BTCUSDT-1", Status: common.StatusNew}))
	assert.Empty(t, oco.calls)
	assert.Empty(t, booker.calls)
}

func TestDispatcherTagFallbackAfterCacheCleared(t *testing.T) {
	d, database, oco, booker, _, _ := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "ETHUSDT", Side: db.SideShort, Qty: 2, EntryPrice: 10}))
	require.NoError(t, database.InsertOrder(ctx, db.Order{ClientOrderID: "tp-ETHUSDT-1", Symbol: "ETHUSDT", Side: "BUY", Type: "TAKE_PROFIT_MARKET", Status: "NEW", Qty: 2, ReduceOnly: true, Tag: "tp", Mode: "live"}))

	require.NoError(t, d.Handle(ctx, OrderTradeUpdate{Symbol: "ETHUSDT", ClientOrderID: "tp-ETHUSDT-1", Status: common.StatusFilled, FilledQty: 2, LastPrice: 9.5}))
	assert.Len(t, oco.calls, 1)
	require.Len(t, booker.calls, 1)
	assert.InDelta(t, 9.5, booker.calls[0].exit, 1e-12, "last price when avg is missing")
}

func TestDispatcherAccountFlatAndMarginCall(t *testing.T) {
	d, database, oco, booker, prices, al := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 0.5, EntryPrice: 100}))
	prices.Observe("BTCUSDT", 97)

	require.NoError(t, d.Handle(ctx, AccountUpdate{Positions: []PositionUpdate{
		{Symbol: "BTCUSDT", Amount: 0},
		{Symbol: "ETHUSDT", Amount: 0},
		{Symbol: "SOLUSDT", Amount: 3},
	}}))
	assert.Empty(t, booker.calls, "account updates never book")
	assert.Empty(t, oco.calls)
	_, err := database.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err, "row stays until the order event")

	require.NoError(t, d.Handle(ctx, MarginCall{CrossWallet: 3, Positions: []MarginPosition{{Symbol: "ETHUSDT", MaintenanceMargin: 1.6}}}))
	assert.Equal(t, []string{"margin_call"}, al.topics)

	require.NoError(t, d.Handle(ctx, ListenKeyExpired{}))
}

func TestDispatcherAccountFlatBeforeOrderFill(t *testing.T) {
	d, database, oco, booker, prices, _ := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 0.5, EntryPrice: 100}))
	require.NoError(t, database.SetStopOrder(ctx, "BTCUSDT", 99, "sl-BTCUSDT-abc"))
	require.NoError(t, database.SetTargetOrder(ctx, "BTCUSDT", 101.5, "tp-BTCUSDT-abc"))
	prices.Observe("BTCUSDT", 97)

	// The venue sends the balance/position change ahead of the order event.
	require.NoError(t, d.Handle(ctx, AccountUpdate{Reason: "ORDER", Positions: []PositionUpdate{{Symbol: "BTCUSDT", Amount: 0}}}))
	ev, err := Decode([]byte(orderUpdate))
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, ev))

	assert.Equal(t, []string{"sl-BTCUSDT-abc"}, oco.calls, "counterpart handled")
	require.Len(t, booker.calls, 1)
	assert.Equal(t, bookCall{"BTCUSDT", 98.9, 0.5, 0.02, "sl-BTCUSDT-abc"}, booker.calls[0], "real fill price and fee")
}

func TestDispatcherPaperFill(t *testing.T) {
	d, database, oco, booker, _, _ := newDispatcher(t)
	ctx := context.Background()
	require.NoError(t, database.UpsertPosition(ctx, db.Position{Symbol: "BTCUSDT", Side: db.SideLong, Qty: 1, EntryPrice: 100}))
	require.NoError(t, database.SetTargetOrder(ctx, "BTCUSDT", 101.5, "tp-BTCUSDT-9"))

	d.PaperFill(ctx, order.Fill{Symbol: "BTCUSDT", ClientID: "tp-BTCUSDT-9", ExchangeOrderID: "3", Side: common.SideSell, Type: common.OrderTypeTakeProfitMarket, Price: 101.48, Qty: 1, Fee: 0.04, ReduceOnly: true, Status: common.StatusFilled, TS: 1})
	assert.Equal(t, []string{"tp-BTCUSDT-9"}, oco.calls)
	require.Len(t, booker.calls, 1)
	assert.InDelta(t, 101.48, booker.calls[0].exit, 1e-12)
}

type fakeKeys struct {
	mu      sync.Mutex
	url     string
	created int
	alive   error
}

func (k *fakeKeys) CreateListenKey(context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.created++
	return "key" + strings.Repeat("x", k.created), nil
}

func (k *fakeKeys) KeepAliveListenKey(context.Context, string) error { return k.alive }
func (k *fakeKeys) CloseListenKey(context.Context, string) error     { return nil }
func (k *fakeKeys) StreamURL(key string) string                      { return k.url + "/ws/" + key }

func (k *fakeKeys) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.created
}

func TestSessionKeyLifecycle(t *testing.T) {
	keys := &fakeKeys{}
	s := NewSession(Config{}, keys, nil, nil)
	ctx := context.Background()

	k1, err := s.EnsureKey(ctx)
	require.NoError(t, err)
	k2, err := s.EnsureKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, 1, keys.count())

	require.NoError(t, s.KeepaliveOnce(ctx))
	keys.alive = errors.New("-1125 invalid listen key")
	assert.Error(t, s.KeepaliveOnce(ctx))
	_, err = s.EnsureKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, keys.count(), "failed keepalive invalidates the key")
}

type chanHandler chan Event

func (c chanHandler) Handle(_ context.Context, ev Event) error {
	c <- ev
	return nil
}

func TestSessionReconnectsOnExpiredKey(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	paths := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		first := len(paths) == 1
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if first {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(orderUpdate))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"listenKeyExpired","E":2,"listenKey":"keyx"}`))
		}
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	keys := &fakeKeys{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	events := make(chanHandler, 8)
	s := NewSession(Config{BackoffInitial: 10 * time.Millisecond, BackoffMax: 20 * time.Millisecond}, keys, events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	first := <-events
	assert.IsType(t, OrderTradeUpdate{}, first)
	assert.IsType(t, ListenKeyExpired{}, <-events)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(paths) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "/ws/keyx", paths[0])
	assert.Equal(t, "/ws/keyxx", paths[1], "reconnect uses a fresh key")
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
}
