package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const orderColumns = `client_order_id, COALESCE(exchange_order_id, ''), symbol, side, type, status,
	COALESCE(price, 0), COALESCE(stop_price, 0), qty, reduce_only, tag, mode, COALESCE(extra, ''), created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var (
		o          Order
		reduceOnly int
	)
	err := row.Scan(&o.ClientOrderID, &o.ExchangeOrderID, &o.Symbol, &o.Side, &o.Type, &o.Status,
		&o.Price, &o.StopPrice, &o.Qty, &reduceOnly, &o.Tag, &o.Mode, &o.Extra, &o.CreatedAt, &o.UpdatedAt)
	o.ReduceOnly = reduceOnly != 0
	return o, err
}

// InsertOrder appends an order intent. The client order id must be unique.
func (d *Database) InsertOrder(ctx context.Context, o Order) error {
	now := time.Now().Unix()
	if o.CreatedAt == 0 {
		o.CreatedAt = now
	}
	if o.UpdatedAt == 0 {
		o.UpdatedAt = o.CreatedAt
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			client_order_id, exchange_order_id, symbol, side, type, status, price, stop_price,
			qty, reduce_only, tag, mode, extra, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ClientOrderID, nullString(o.ExchangeOrderID), o.Symbol, o.Side, o.Type, o.Status,
		nullFloat(o.Price), nullFloat(o.StopPrice), o.Qty, boolToInt(o.ReduceOnly), o.Tag, o.Mode,
		nullString(o.Extra), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// GetOrder looks an order up by client order id.
func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	return o, nil
}

// UpdateOrderStatus sets status (and the exchange id when known) of an order.
// Unknown client ids are ignored: push events also report orders placed outside the engine.
func (d *Database) UpdateOrderStatus(ctx context.Context, clientOrderID, exchangeOrderID, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, exchange_order_id = COALESCE(?, exchange_order_id), updated_at = ?
		WHERE client_order_id = ?
	`, status, nullString(exchangeOrderID), time.Now().Unix(), clientOrderID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", clientOrderID, err)
	}
	return nil
}

// ListOrders returns the most recent orders, newest first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// OrderKey is the minimal projection needed to rehydrate the idempotency window.
type OrderKey struct {
	ClientOrderID string
	CreatedAt     int64
}

// ListClientOrderIDsSince returns ids created at or after ts (epoch seconds).
func (d *Database) ListClientOrderIDsSince(ctx context.Context, ts int64) ([]OrderKey, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT client_order_id, created_at FROM orders WHERE created_at >= ?`, ts)
	if err != nil {
		return nil, fmt.Errorf("query order ids: %w", err)
	}
	defer rows.Close()

	var res []OrderKey
	for rows.Next() {
		var k OrderKey
		if err := rows.Scan(&k.ClientOrderID, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

// CountOrdersSince counts orders with the given tag on symbol since ts; used for entry frequency.
func (d *Database) CountOrdersSince(ctx context.Context, symbol, tag string, ts int64) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE symbol = ? AND tag = ? AND created_at >= ?
	`, symbol, tag, ts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orders %s/%s: %w", symbol, tag, err)
	}
	return n, nil
}

// ListRestingOrders returns non-market orders of one mode that have not reached a
// terminal status; symbol "" means all symbols. Dry mode uses it as its order book.
func (d *Database) ListRestingOrders(ctx context.Context, mode, symbol string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE mode = ? AND (? = '' OR symbol = ?) AND type <> 'MARKET'
		AND status IN ('NEW', 'PARTIALLY_FILLED', 'DRY')
		ORDER BY created_at, rowid`, mode, symbol, symbol)
	if err != nil {
		return nil, fmt.Errorf("query resting orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
