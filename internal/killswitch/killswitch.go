// Package killswitch trips a one-way trading breaker on daily loss or drawdown
// and flattens every open position when it does.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-engine/internal/events"
	"trading-engine/internal/notify"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
)

// States.
const (
	StateEnabled  = "ENABLED"
	StateDisabled = "DISABLED"
)

// ErrTradingDisabled is returned to callers that try to open risk while tripped.
var ErrTradingDisabled = errors.New("trading disabled by kill-switch")

const (
	keyState        = "killswitch.state"
	keyStartEquity  = "killswitch.start_equity"
	keyPeakEquity   = "killswitch.peak_equity"
	keySessionStart = "killswitch.session_start"
	keySessionDay   = "killswitch.session_day"
	keyReason       = "killswitch.reason"
)

// Flattener closes one position at market and books it.
type Flattener interface {
	CloseAllForSymbol(ctx context.Context, symbol, side string, qty, entry float64, exitPrice *float64) (float64, error)
}

// BalanceSource reports the exchange wallet balance (live mode only).
type BalanceSource interface {
	WalletBalance(ctx context.Context) (float64, error)
}

// Status is the outcome of one check.
type Status struct {
	State       string  `json:"state"`
	Equity      float64 `json:"equity"`
	StartEquity float64 `json:"start_equity"`
	PeakEquity  float64 `json:"peak_equity"`
	PnLPct      float64 `json:"pnl_pct"`
	DDPct       float64 `json:"dd_pct"`
	Triggered   bool    `json:"triggered"`
	Reason      string  `json:"reason,omitempty"`
	CheckedAt   int64   `json:"checked_at"`
}

// KillSwitch owns the ENABLED/DISABLED breaker. Once DISABLED it stays so until
// ResetForNewDay.
type KillSwitch struct {
	cfg      config.RiskConfig
	db       *db.Database
	equity   EquitySource
	closer   Flattener
	balance  BalanceSource
	notifier notify.Notifier
	bus      *events.Bus
	log      *zap.Logger
	now      func() time.Time

	mu           sync.RWMutex
	state        string
	start        float64
	peak         float64
	sessionStart int64
	sessionDay   string
	last         Status
}

// New builds a kill-switch. balance may be nil outside live mode.
func New(cfg config.RiskConfig, database *db.Database, equity EquitySource, closer Flattener, balance BalanceSource, notifier notify.Notifier, bus *events.Bus, log *zap.Logger) *KillSwitch {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KillSwitch{
		cfg:      cfg,
		db:       database,
		equity:   equity,
		closer:   closer,
		balance:  balance,
		notifier: notifier,
		bus:      bus,
		log:      log.Named("killswitch"),
		now:      time.Now,
		state:    StateEnabled,
		start:    cfg.StartEquityUSDT,
		peak:     cfg.StartEquityUSDT,
	}
}

// Load restores persisted state. A first start opens a session at the configured equity.
func (k *KillSwitch) Load(ctx context.Context) error {
	state, ok, err := k.db.GetEngineState(ctx, keyState)
	if err != nil {
		return err
	}
	if !ok {
		start := k.cfg.StartEquityUSDT
		return k.ResetForNewDay(ctx, &start)
	}

	vals := map[string]string{keyState: state}
	for _, key := range []string{keyStartEquity, keyPeakEquity, keySessionStart, keySessionDay, keyReason} {
		v, _, err := k.db.GetEngineState(ctx, key)
		if err != nil {
			return err
		}
		vals[key] = v
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = vals[keyState]
	if k.state != StateDisabled {
		k.state = StateEnabled
	}
	k.start = parseFloat(vals[keyStartEquity], k.cfg.StartEquityUSDT)
	k.peak = parseFloat(vals[keyPeakEquity], k.start)
	k.sessionStart, _ = strconv.ParseInt(vals[keySessionStart], 10, 64)
	k.sessionDay = vals[keySessionDay]
	k.last = Status{State: k.state, StartEquity: k.start, PeakEquity: k.peak, Reason: vals[keyReason]}
	k.log.Info("kill-switch state restored",
		zap.String("state", k.state),
		zap.Float64("start_equity", k.start),
		zap.Float64("peak_equity", k.peak),
		zap.String("session_day", k.sessionDay))
	return nil
}

// IsTradingAllowed reports whether new risk may be opened.
func (k *KillSwitch) IsTradingAllowed() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state == StateEnabled
}

// Status returns the result of the last check.
func (k *KillSwitch) Status() Status {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s := k.last
	s.State = k.state
	return s
}

// CurrentEquity values the account for the running session without checking limits.
func (k *KillSwitch) CurrentEquity(ctx context.Context) (float64, error) {
	k.mu.RLock()
	start, since := k.start, k.sessionStart
	k.mu.RUnlock()
	return k.equity.Equity(ctx, since, start)
}

// CheckAndMaybeTrigger values the account and trips the breaker when a limit is crossed.
func (k *KillSwitch) CheckAndMaybeTrigger(ctx context.Context) (Status, error) {
	k.mu.RLock()
	state, start, since := k.state, k.start, k.sessionStart
	k.mu.RUnlock()
	if state == StateDisabled {
		st := k.Status()
		st.Triggered = false
		st.Reason = "already disabled"
		return st, nil
	}

	equity, err := k.equity.Equity(ctx, since, start)
	if err != nil {
		return Status{}, fmt.Errorf("equity: %w", err)
	}

	k.mu.Lock()
	if k.state == StateDisabled {
		st := k.last
		k.mu.Unlock()
		st.State, st.Triggered, st.Reason = StateDisabled, false, "already disabled"
		return st, nil
	}
	if equity > k.peak {
		k.peak = equity
	}
	st := Status{
		State:       k.state,
		Equity:      equity,
		StartEquity: k.start,
		PeakEquity:  k.peak,
		PnLPct:      pct(equity-k.start, k.start),
		DDPct:       pct(k.peak-equity, k.peak),
		CheckedAt:   k.now().Unix(),
	}
	switch {
	case k.cfg.DailyLossLimitPct > 0 && st.PnLPct <= -k.cfg.DailyLossLimitPct:
		st.Triggered = true
		st.Reason = fmt.Sprintf("daily loss %.2f%% <= -%.2f%%", st.PnLPct, k.cfg.DailyLossLimitPct)
	case k.cfg.GlobalDDLimitPct > 0 && st.DDPct >= k.cfg.GlobalDDLimitPct:
		st.Triggered = true
		st.Reason = fmt.Sprintf("drawdown %.2f%% >= %.2f%%", st.DDPct, k.cfg.GlobalDDLimitPct)
	}
	if st.Triggered {
		k.state = StateDisabled
		st.State = StateDisabled
	}
	k.last = st
	peak := k.peak
	k.mu.Unlock()

	if !st.Triggered {
		if err := k.db.SetEngineState(ctx, map[string]string{keyPeakEquity: formatFloat(peak)}); err != nil {
			k.log.Warn("persist peak equity", zap.Error(err))
		}
		return st, nil
	}

	// Persist before flattening so a crash mid-flatten restarts disabled.
	if err := k.db.SetEngineState(ctx, map[string]string{
		keyState:      StateDisabled,
		keyPeakEquity: formatFloat(peak),
		keyReason:     st.Reason,
	}); err != nil {
		k.log.Error("persist disabled state", zap.Error(err))
	}
	k.log.Error("kill-switch triggered",
		zap.String("reason", st.Reason),
		zap.Float64("equity", st.Equity),
		zap.Float64("pnl_pct", st.PnLPct),
		zap.Float64("dd_pct", st.DDPct))
	k.notifier.Alert(ctx, "kill_switch_triggered", notify.Fields{
		"reason": st.Reason, "equity": st.Equity, "pnl_pct": st.PnLPct, "dd_pct": st.DDPct,
	})
	if k.bus != nil {
		k.bus.Publish(events.EventKillSwitch, st)
	}
	k.flatten(ctx)
	return st, nil
}

// flatten closes every open position best-effort.
func (k *KillSwitch) flatten(ctx context.Context) {
	positions, err := k.db.ListPositions(ctx)
	if err != nil {
		k.log.Error("list positions for flatten", zap.Error(err))
		k.notifier.Alert(ctx, "kill_switch_flattened", notify.Fields{"closed": 0, "failed": -1, "error": err.Error()})
		return
	}
	closed, failed := 0, 0
	for _, p := range positions {
		if _, err := k.closer.CloseAllForSymbol(ctx, p.Symbol, p.Side, p.Qty, p.EntryPrice, nil); err != nil {
			failed++
			k.log.Error("flatten failed", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		closed++
	}
	k.log.Warn("kill-switch flatten done", zap.Int("closed", closed), zap.Int("failed", failed))
	k.notifier.Alert(ctx, "kill_switch_flattened", notify.Fields{"closed": closed, "failed": failed})
}

// ResetForNewDay opens a new session and re-enables trading. startEquity nil means
// wallet balance when a balance source is set, otherwise the configured start equity.
func (k *KillSwitch) ResetForNewDay(ctx context.Context, startEquity *float64) error {
	start := k.cfg.StartEquityUSDT
	switch {
	case startEquity != nil && *startEquity > 0:
		start = *startEquity
	case startEquity != nil:
		return fmt.Errorf("reset: start equity must be > 0, got %v", *startEquity)
	case k.balance != nil:
		bal, err := k.balance.WalletBalance(ctx)
		if err != nil || bal <= 0 {
			k.log.Warn("wallet balance unavailable, using configured start equity", zap.Float64("balance", bal), zap.Error(err))
		} else {
			start = bal
		}
	}

	now := k.now().UTC()
	day := now.Format("2006-01-02")
	if err := k.db.SetEngineState(ctx, map[string]string{
		keyState:        StateEnabled,
		keyStartEquity:  formatFloat(start),
		keyPeakEquity:   formatFloat(start),
		keySessionStart: strconv.FormatInt(now.Unix(), 10),
		keySessionDay:   day,
		keyReason:       "",
	}); err != nil {
		return fmt.Errorf("persist reset: %w", err)
	}

	k.mu.Lock()
	k.state = StateEnabled
	k.start, k.peak = start, start
	k.sessionStart, k.sessionDay = now.Unix(), day
	k.last = Status{State: StateEnabled, Equity: start, StartEquity: start, PeakEquity: start, CheckedAt: now.Unix()}
	k.mu.Unlock()

	k.log.Info("kill-switch session reset", zap.Float64("start_equity", start), zap.String("day", day))
	k.notifier.Info(ctx, "kill_switch_reset", notify.Fields{"start_equity": start, "day": day})
	return nil
}

// MaybeRollover resets the session when the UTC day changed and auto reset is on.
func (k *KillSwitch) MaybeRollover(ctx context.Context) (bool, error) {
	if !k.cfg.AutoDailyReset {
		return false, nil
	}
	today := k.now().UTC().Format("2006-01-02")
	k.mu.RLock()
	same := k.sessionDay == today
	k.mu.RUnlock()
	if same {
		return false, nil
	}
	return true, k.ResetForNewDay(ctx, nil)
}

func pct(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return decimal.NewFromFloat(num).Div(decimal.NewFromFloat(den)).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

func parseFloat(s string, def float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
