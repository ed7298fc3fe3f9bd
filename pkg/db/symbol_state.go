package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSymbolState returns the state row for symbol; a missing row is the zero state.
func (d *Database) GetSymbolState(ctx context.Context, symbol string) (SymbolState, error) {
	s := SymbolState{Symbol: symbol}
	err := d.DB.QueryRowContext(ctx, `
		SELECT cooldown_until_ts, last_signal_ts, last_exit_ts, trail_stop, peak, trough, tp_last_replace_ts
		FROM symbol_state WHERE symbol = ?
	`, symbol).Scan(&s.CooldownUntil, &s.LastSignalTS, &s.LastExitTS, &s.TrailStop, &s.Peak, &s.Trough, &s.TPLastReplaceTS)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return SymbolState{}, fmt.Errorf("get symbol state %s: %w", symbol, err)
	}
	return s, nil
}

// UpsertSymbolState writes the whole row.
func (d *Database) UpsertSymbolState(ctx context.Context, s SymbolState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO symbol_state (symbol, cooldown_until_ts, last_signal_ts, last_exit_ts, trail_stop, peak, trough, tp_last_replace_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			cooldown_until_ts = excluded.cooldown_until_ts,
			last_signal_ts = excluded.last_signal_ts,
			last_exit_ts = excluded.last_exit_ts,
			trail_stop = excluded.trail_stop,
			peak = excluded.peak,
			trough = excluded.trough,
			tp_last_replace_ts = excluded.tp_last_replace_ts
	`, s.Symbol, s.CooldownUntil, s.LastSignalTS, s.LastExitTS, s.TrailStop, s.Peak, s.Trough, s.TPLastReplaceTS)
	if err != nil {
		return fmt.Errorf("upsert symbol state %s: %w", s.Symbol, err)
	}
	return nil
}

// SetCooldown arms the entry cooldown and records the signal time.
func (d *Database) SetCooldown(ctx context.Context, symbol string, signalTS, until int64) error {
	return d.touchSymbolState(ctx, symbol, `cooldown_until_ts = ?, last_signal_ts = ?`, until, signalTS)
}

// MarkExit records a close and drops trailing bookkeeping for the next position.
func (d *Database) MarkExit(ctx context.Context, symbol string, ts int64) error {
	return d.touchSymbolState(ctx, symbol, `last_exit_ts = ?, trail_stop = 0, peak = 0, trough = 0, tp_last_replace_ts = 0`, ts)
}

// SetTrailState stores the trailing stop with its high/low water marks.
func (d *Database) SetTrailState(ctx context.Context, symbol string, stop, peak, trough float64) error {
	return d.touchSymbolState(ctx, symbol, `trail_stop = ?, peak = ?, trough = ?`, stop, peak, trough)
}

// SetTPReplaced records when the take-profit order was last replaced.
func (d *Database) SetTPReplaced(ctx context.Context, symbol string, ts int64) error {
	return d.touchSymbolState(ctx, symbol, `tp_last_replace_ts = ?`, ts)
}

func (d *Database) touchSymbolState(ctx context.Context, symbol, set string, args ...any) error {
	if _, err := d.DB.ExecContext(ctx, `INSERT INTO symbol_state (symbol) VALUES (?) ON CONFLICT(symbol) DO NOTHING`, symbol); err != nil {
		return fmt.Errorf("init symbol state %s: %w", symbol, err)
	}
	args = append(args, symbol)
	if _, err := d.DB.ExecContext(ctx, `UPDATE symbol_state SET `+set+` WHERE symbol = ?`, args...); err != nil {
		return fmt.Errorf("update symbol state %s: %w", symbol, err)
	}
	return nil
}
