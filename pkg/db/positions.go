package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const positionColumns = `symbol, side, qty, entry_price, COALESCE(stop_price, 0), COALESCE(target_price, 0),
	COALESCE(stop_order_id, ''), COALESCE(target_order_id, ''), updated_at`

func scanPosition(row interface{ Scan(...any) error }) (Position, error) {
	var p Position
	err := row.Scan(&p.Symbol, &p.Side, &p.Qty, &p.EntryPrice, &p.StopPrice, &p.TargetPrice,
		&p.StopOrderID, &p.TargetOrderID, &p.UpdatedAt)
	return p, err
}

// GetPosition returns the open position for symbol or ErrNotFound.
func (d *Database) GetPosition(ctx context.Context, symbol string) (Position, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("get position %s: %w", symbol, err)
	}
	return p, nil
}

// ListPositions returns all open positions ordered by symbol.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertPosition stores the latest position for a symbol. A non-positive qty deletes the row.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	if p.Qty <= 0 {
		return d.DeletePosition(ctx, p.Symbol)
	}
	if p.Side != SideLong && p.Side != SideShort {
		return fmt.Errorf("upsert position %s: invalid side %q", p.Symbol, p.Side)
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = time.Now().Unix()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, side, qty, entry_price, stop_price, target_price, stop_order_id, target_order_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			stop_price = excluded.stop_price,
			target_price = excluded.target_price,
			stop_order_id = excluded.stop_order_id,
			target_order_id = excluded.target_order_id,
			updated_at = excluded.updated_at
	`, p.Symbol, p.Side, p.Qty, p.EntryPrice, nullFloat(p.StopPrice), nullFloat(p.TargetPrice),
		nullString(p.StopOrderID), nullString(p.TargetOrderID), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// DeletePosition removes the cached position; deleting a missing row is not an error.
func (d *Database) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	return nil
}

// SetStopOrder records the live protective stop for a position.
func (d *Database) SetStopOrder(ctx context.Context, symbol string, stopPrice float64, orderID string) error {
	return d.updatePosition(ctx, symbol, `stop_price = ?, stop_order_id = ?`, nullFloat(stopPrice), nullString(orderID))
}

// SetTargetOrder records the live take-profit order for a position.
func (d *Database) SetTargetOrder(ctx context.Context, symbol string, targetPrice float64, orderID string) error {
	return d.updatePosition(ctx, symbol, `target_price = ?, target_order_id = ?`, nullFloat(targetPrice), nullString(orderID))
}

// ClearProtectiveOrders forgets both cached protective order ids, keeping the price levels.
func (d *Database) ClearProtectiveOrders(ctx context.Context, symbol string) error {
	return d.updatePosition(ctx, symbol, `stop_order_id = NULL, target_order_id = NULL`)
}

// SetPositionQty adjusts quantity after a partial fill or drift sync.
func (d *Database) SetPositionQty(ctx context.Context, symbol string, qty float64) error {
	if qty <= 0 {
		return d.DeletePosition(ctx, symbol)
	}
	return d.updatePosition(ctx, symbol, `qty = ?`, qty)
}

func (d *Database) updatePosition(ctx context.Context, symbol, set string, args ...any) error {
	args = append(args, time.Now().Unix(), symbol)
	res, err := d.DB.ExecContext(ctx, `UPDATE positions SET `+set+`, updated_at = ? WHERE symbol = ?`, args...)
	if err != nil {
		return fmt.Errorf("update position %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
