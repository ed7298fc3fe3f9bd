package protect

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/events"
	"trading-engine/internal/notify"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/exchanges/common"
)

// Snap modes.
const (
	SnapNone      = "none"
	SnapNearest   = "nearest"
	SnapFavorable = "favorable"
)

// BookSource provides depth snapshots for snapping.
type BookSource interface {
	PriceSource
	Depth(ctx context.Context, symbol string, levels int) (common.OrderBook, error)
}

// TargetPrice computes the take-profit level of pos. book may be nil.
func TargetPrice(cfg config.TakeProfitConfig, pos db.Position, book *common.OrderBook) float64 {
	entry := decimal.NewFromFloat(pos.EntryPrice)
	dir := decimal.NewFromInt(1)
	if !pos.IsLong() {
		dir = dir.Neg()
	}

	var raw decimal.Decimal
	if cfg.Mode == "rr" && pos.StopPrice > 0 {
		risk := entry.Sub(decimal.NewFromFloat(pos.StopPrice)).Abs()
		raw = entry.Add(dir.Mul(risk).Mul(decimal.NewFromFloat(cfg.RR)))
	} else {
		pct := decimal.NewFromFloat(cfg.Pct).Div(decimal.NewFromInt(100))
		raw = entry.Mul(decimal.NewFromInt(1).Add(dir.Mul(pct)))
	}
	target := raw.InexactFloat64()

	if book == nil || (cfg.Snap != SnapNearest && cfg.Snap != SnapFavorable) {
		return target
	}
	levels := book.Asks
	if !pos.IsLong() {
		levels = book.Bids
	}
	return snap(levels, target, pos.IsLong(), cfg.Snap)
}

func snap(levels []common.BookLevel, raw float64, long bool, mode string) float64 {
	best, found := raw, false
	bestDist := math.Inf(1)
	for _, l := range levels {
		if l.Price <= 0 {
			continue
		}
		if mode == SnapFavorable {
			// never beyond raw in the profit direction
			if (long && l.Price > raw) || (!long && l.Price < raw) {
				continue
			}
		}
		if d := math.Abs(l.Price - raw); d < bestDist {
			best, bestDist, found = l.Price, d, true
		}
	}
	if !found {
		return raw
	}
	return best
}

// ShouldReplace debounces target updates. Timestamps are epoch seconds; oldTarget 0 means no live target.
func ShouldReplace(oldTarget, newTarget, lastPrice float64, lastReplaceTS, nowTS int64, cfg config.TakeProfitConfig) bool {
	if newTarget <= 0 {
		return false
	}
	if oldTarget <= 0 {
		return true
	}
	if newTarget == oldTarget || lastPrice <= 0 {
		return false
	}
	movePct := math.Abs(newTarget-oldTarget) / lastPrice * 100
	if movePct < cfg.MinMovePct {
		return false
	}
	return nowTS-lastReplaceTS >= int64(cfg.DebounceSec)
}

// TakeProfitManager recomputes targets and replaces the live take-profit order when warranted.
type TakeProfitManager struct {
	cfg      config.TakeProfitConfig
	router   Router
	db       *db.Database
	market   BookSource
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewTakeProfitManager(cfg config.TakeProfitConfig, router Router, database *db.Database, market BookSource, notifier notify.Notifier, log *zap.Logger) *TakeProfitManager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TakeProfitManager{
		cfg:      cfg,
		router:   router,
		db:       database,
		market:   market,
		notifier: notifier,
		log:      log.Named("takeprofit"),
		now:      time.Now,
	}
}

// RunOnce refreshes every open position.
func (m *TakeProfitManager) RunOnce(ctx context.Context) error {
	positions, err := m.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range positions {
		if _, err := m.UpdateSymbol(ctx, p.Symbol); err != nil {
			m.log.Warn("take-profit update failed", zap.String("symbol", p.Symbol), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateSymbol recomputes one target and reports whether the order was replaced.
func (m *TakeProfitManager) UpdateSymbol(ctx context.Context, symbol string) (bool, error) {
	pos, err := m.db.GetPosition(ctx, symbol)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var book *common.OrderBook
	if m.cfg.Snap == SnapNearest || m.cfg.Snap == SnapFavorable {
		b, err := m.market.Depth(ctx, symbol, m.cfg.BookDepth)
		if err != nil {
			m.log.Debug("depth unavailable, using raw target", zap.String("symbol", symbol), zap.Error(err))
		} else {
			book = &b
		}
	}
	target := TargetPrice(m.cfg, pos, book)

	last, err := m.market.LastPrice(ctx, symbol)
	if err != nil {
		return false, err
	}
	state, err := m.db.GetSymbolState(ctx, symbol)
	if err != nil {
		return false, err
	}

	oldTarget := pos.TargetPrice
	if pos.TargetOrderID == "" {
		oldTarget = 0
	}
	now := m.now().Unix()
	if !ShouldReplace(oldTarget, target, last, state.TPLastReplaceTS, now, m.cfg) {
		return false, nil
	}
	if (pos.IsLong() && target <= last) || (!pos.IsLong() && target >= last) {
		m.log.Debug("target already crossed, keeping current order", zap.String("symbol", symbol), zap.Float64("target", target), zap.Float64("last", last))
		return false, nil
	}

	res, err := replaceLeg(ctx, m.router, m.db, pos, targetLeg, target)
	if err != nil {
		return false, err
	}
	if err := m.db.SetTPReplaced(ctx, symbol, now); err != nil {
		m.log.Warn("record tp replace time", zap.String("symbol", symbol), zap.Error(err))
	}
	m.log.Info("take-profit replaced",
		zap.String("symbol", symbol),
		zap.Float64("old", pos.TargetPrice),
		zap.Float64("new", res.StopPrice),
		zap.String("client_id", res.ClientOrderID))
	m.notifier.Info(ctx, "tp_replaced", notify.Fields{"symbol": symbol, "old": pos.TargetPrice, "new": res.StopPrice})
	return true, nil
}

// Listen serves on-demand refreshes published on the bus until ctx is done.
func (m *TakeProfitManager) Listen(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventTakeProfitRefresh, 16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			symbol, _ := msg.(string)
			if symbol == "" {
				continue
			}
			if _, err := m.UpdateSymbol(ctx, symbol); err != nil {
				m.log.Warn("on-demand take-profit update failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}
}
