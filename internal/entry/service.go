// Package entry turns strategy signals into protected positions: gate, size,
// enter at market, then attach the reduce-only stop and target.
package entry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/cooldown"
	"trading-engine/internal/events"
	"trading-engine/internal/killswitch"
	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/internal/risk"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// Rejections that are not failures. OnSignal returns them wrapped so callers can
// tell a skipped signal from a broken one.
var (
	ErrPositionOpen = errors.New("position already open")
	ErrCoolingDown  = errors.New("symbol cooling down")
	ErrRejected     = errors.New("entry rejected by risk")
)

// Router places orders.
type Router interface {
	Place(ctx context.Context, req order.PlaceRequest) (order.Result, error)
}

// Gatekeeper is the kill-switch surface the entry path needs.
type Gatekeeper interface {
	IsTradingAllowed() bool
	CurrentEquity(ctx context.Context) (float64, error)
}

// Flattener closes a position that could not be protected.
type Flattener interface {
	CloseAllForSymbol(ctx context.Context, symbol, side string, qty, entry float64, exitPrice *float64) (float64, error)
}

// Prices answers the last trade price.
type Prices interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
}

// LeverageSetter is implemented by the live account gateway.
type LeverageSetter interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Deps wires a Service. Leverage may be nil outside live mode.
type Deps struct {
	Router    Router
	DB        *db.Database
	Kill      Gatekeeper
	Risk      *risk.Manager
	Cooldown  *cooldown.Gate
	Closer    Flattener
	Prices    Prices
	Leverage  LeverageSetter
	Notifier  notify.Notifier
	Bus       *events.Bus
	Leverages config.LeverageConfig
}

// Service consumes signals.
type Service struct {
	router   Router
	db       *db.Database
	kill     Gatekeeper
	risk     *risk.Manager
	cooldown *cooldown.Gate
	closer   Flattener
	prices   Prices
	lev      LeverageSetter
	levCfg   config.LeverageConfig
	notifier notify.Notifier
	bus      *events.Bus
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	levSet map[string]bool
}

func NewService(d Deps, log *zap.Logger) *Service {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		router:   d.Router,
		db:       d.DB,
		kill:     d.Kill,
		risk:     d.Risk,
		cooldown: d.Cooldown,
		closer:   d.Closer,
		prices:   d.Prices,
		lev:      d.Leverage,
		levCfg:   d.Leverages,
		notifier: d.Notifier,
		bus:      d.Bus,
		log:      log.Named("entry"),
		now:      time.Now,
		levSet:   make(map[string]bool),
	}
}

// Run consumes events.EventSignal until ctx is done.
func (s *Service) Run(ctx context.Context, bus *events.Bus) error {
	ch, unsub := bus.Subscribe(events.EventSignal, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			sig, ok := msg.(events.Signal)
			if !ok {
				continue
			}
			if _, err := s.OnSignal(ctx, sig); err != nil {
				s.logOutcome(sig, err)
			}
		}
	}
}

func (s *Service) logOutcome(sig events.Signal, err error) {
	switch {
	case errors.Is(err, ErrPositionOpen), errors.Is(err, ErrCoolingDown), errors.Is(err, ErrRejected):
		s.log.Info("signal skipped", zap.String("symbol", sig.Symbol), zap.String("reason", err.Error()))
	case errors.Is(err, killswitch.ErrTradingDisabled):
		s.log.Warn("signal refused", zap.String("symbol", sig.Symbol), zap.Error(err))
	default:
		s.log.Error("entry failed", zap.String("symbol", sig.Symbol), zap.Error(err))
	}
}

// OnSignal opens a protected position for sig and returns it as persisted.
func (s *Service) OnSignal(ctx context.Context, sig events.Signal) (db.Position, error) {
	symbol := strings.ToUpper(sig.Symbol)
	side := strings.ToUpper(sig.Side)
	if symbol == "" {
		return db.Position{}, errors.New("signal: symbol required")
	}
	var entrySide, exitSide common.Side
	switch side {
	case db.SideLong:
		entrySide, exitSide = common.SideBuy, common.SideSell
	case db.SideShort:
		entrySide, exitSide = common.SideSell, common.SideBuy
	default:
		return db.Position{}, fmt.Errorf("signal %s: invalid side %q", symbol, sig.Side)
	}

	if !s.kill.IsTradingAllowed() {
		return db.Position{}, killswitch.ErrTradingDisabled
	}

	if _, err := s.db.GetPosition(ctx, symbol); err == nil {
		return db.Position{}, fmt.Errorf("%w: %s", ErrPositionOpen, symbol)
	} else if !errors.Is(err, db.ErrNotFound) {
		return db.Position{}, err
	}

	now := s.now()
	ok, remaining, err := s.cooldown.Allowed(ctx, symbol, now)
	if err != nil {
		return db.Position{}, fmt.Errorf("cooldown %s: %w", symbol, err)
	}
	if !ok {
		return db.Position{}, fmt.Errorf("%w: %s for %s", ErrCoolingDown, symbol, remaining)
	}

	price := sig.Price
	if price <= 0 {
		if price, err = s.prices.LastPrice(ctx, symbol); err != nil {
			return db.Position{}, fmt.Errorf("price %s: %w", symbol, err)
		}
	}
	equity, err := s.kill.CurrentEquity(ctx)
	if err != nil {
		return db.Position{}, fmt.Errorf("equity: %w", err)
	}
	leverage := s.levCfg.For(symbol)

	dec, err := s.risk.Evaluate(ctx, risk.Intent{
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Stop:     sig.Stop,
		Target:   sig.Target,
		Equity:   equity,
		Leverage: leverage,
	})
	if err != nil {
		return db.Position{}, err
	}
	if !dec.Allowed {
		return db.Position{}, fmt.Errorf("%w: %s", ErrRejected, dec.Reason)
	}

	if err := s.ensureLeverage(ctx, symbol, leverage); err != nil {
		return db.Position{}, err
	}

	log := s.log.With(zap.String("symbol", symbol), zap.String("side", side))
	res, err := s.router.Place(ctx, order.PlaceRequest{
		Symbol:      symbol,
		Side:        entrySide,
		Qty:         dec.Qty,
		Type:        common.OrderTypeMarket,
		Tag:         "entry",
		SubmittedAt: now,
	})
	if err != nil {
		s.notifier.Alert(ctx, "entry_failed", notify.Fields{"symbol": symbol, "side": side, "error": err.Error()})
		return db.Position{}, fmt.Errorf("entry %s: %w", symbol, err)
	}
	fillPrice, qty := price, res.Qty
	if res.AvgPrice > 0 {
		fillPrice = res.AvgPrice
	}
	if res.ExecutedQty > 0 {
		qty = res.ExecutedQty
	}
	// The stop/target were computed against the reference price; keep their
	// distance when the fill slipped.
	stop, target := dec.Stop, dec.Target
	if fillPrice != price {
		shift := fillPrice - price
		stop, target = stop+shift, target+shift
	}

	pos := db.Position{Symbol: symbol, Side: side, Qty: qty, EntryPrice: fillPrice}
	if err := s.db.UpsertPosition(ctx, pos); err != nil {
		// The venue holds the position; the drift loop will adopt it.
		log.Error("persist position", zap.Error(err))
		return db.Position{}, fmt.Errorf("persist position %s: %w", symbol, err)
	}

	sl, err := s.router.Place(ctx, order.PlaceRequest{
		Symbol:      symbol,
		Side:        exitSide,
		Qty:         qty,
		Type:        common.OrderTypeStopMarket,
		StopPrice:   stop,
		ReduceOnly:  true,
		Tag:         "sl",
		SubmittedAt: now,
	})
	if err == nil {
		err = s.db.SetStopOrder(ctx, symbol, sl.StopPrice, sl.ClientOrderID)
	}
	if err != nil {
		log.Error("stop placement failed, flattening", zap.Error(err))
		s.notifier.Alert(ctx, "stop_failed", notify.Fields{"symbol": symbol, "side": side, "error": err.Error()})
		if _, cerr := s.closer.CloseAllForSymbol(ctx, symbol, side, qty, fillPrice, nil); cerr != nil {
			log.Error("flatten unprotected position", zap.Error(cerr))
		}
		return db.Position{}, fmt.Errorf("protect %s: %w", symbol, err)
	}

	tp, err := s.router.Place(ctx, order.PlaceRequest{
		Symbol:      symbol,
		Side:        exitSide,
		Qty:         qty,
		Type:        common.OrderTypeTakeProfitMarket,
		StopPrice:   target,
		ReduceOnly:  true,
		Tag:         "tp",
		SubmittedAt: now,
	})
	if err == nil {
		err = s.db.SetTargetOrder(ctx, symbol, tp.StopPrice, tp.ClientOrderID)
	}
	if err != nil {
		// The take-profit loop retries on its next pass.
		log.Warn("target placement failed", zap.Error(err))
		s.notifier.Alert(ctx, "target_failed", notify.Fields{"symbol": symbol, "error": err.Error()})
	}

	sec, err := s.cooldown.Arm(ctx, symbol, now, cooldown.Inputs{
		Timeframe:      sig.Timeframe,
		NATR:           sig.NATR,
		SignalStrength: sig.Strength,
	})
	if err != nil {
		log.Warn("arm cooldown", zap.Error(err))
	}

	stored, err := s.db.GetPosition(ctx, symbol)
	if err != nil {
		return db.Position{}, err
	}
	log.Info("position opened",
		zap.Float64("qty", stored.Qty),
		zap.Float64("entry", stored.EntryPrice),
		zap.Float64("stop", stored.StopPrice),
		zap.Float64("target", stored.TargetPrice),
		zap.Float64("cooldown_sec", sec))
	s.notifier.Info(ctx, "position_opened", notify.Fields{
		"symbol": symbol,
		"side":   side,
		"qty":    stored.Qty,
		"entry":  stored.EntryPrice,
		"stop":   stored.StopPrice,
		"target": stored.TargetPrice,
	})
	if s.bus != nil {
		s.bus.Publish(events.EventPositionOpened, events.PositionOpened{
			Symbol: symbol,
			Side:   side,
			Qty:    stored.Qty,
			Entry:  stored.EntryPrice,
			Stop:   stored.StopPrice,
			Target: stored.TargetPrice,
		})
	}
	return stored, nil
}

func (s *Service) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	if s.lev == nil {
		return nil
	}
	s.mu.Lock()
	done := s.levSet[symbol]
	s.mu.Unlock()
	if done {
		return nil
	}
	if err := s.lev.SetLeverage(ctx, symbol, leverage); err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	s.mu.Lock()
	s.levSet[symbol] = true
	s.mu.Unlock()
	return nil
}
