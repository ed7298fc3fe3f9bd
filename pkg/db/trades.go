package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertTrade appends a realized fill. Missing id/ts are filled in.
func (d *Database) InsertTrade(ctx context.Context, t Trade) (Trade, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.TS == 0 {
		t.TS = time.Now().Unix()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, symbol, side, price, qty, fee, realized_pnl, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OrderID, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.RealizedPnL, t.TS)
	if err != nil {
		return Trade{}, fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return t, nil
}

// ListTrades returns the most recent trades, newest first.
func (d *Database) ListTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, symbol, side, price, qty, fee, realized_pnl, ts
		FROM trades ORDER BY ts DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Symbol, &t.Side, &t.Price, &t.Qty, &t.Fee, &t.RealizedPnL, &t.TS); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SumRealizedPnLSince aggregates realized PnL net of fees since ts.
func (d *Database) SumRealizedPnLSince(ctx context.Context, ts int64) (float64, error) {
	var sum float64
	err := d.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl - fee), 0) FROM trades WHERE ts >= ?
	`, ts).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum realized pnl: %w", err)
	}
	return sum, nil
}
