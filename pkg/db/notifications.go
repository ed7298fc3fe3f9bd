package db

import (
	"context"
	"fmt"
	"time"
)

// AppendNotifications writes a batch of mirrored notifications in one transaction.
func (d *Database) AppendNotifications(ctx context.Context, items []Notification) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notification batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO notification_log (channel, topic, level, payload, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare notification insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range items {
		if n.TS == 0 {
			n.TS = time.Now().Unix()
		}
		if _, err := stmt.ExecContext(ctx, n.Channel, n.Topic, n.Level, n.Payload, n.TS); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert notification %s: %w", n.Topic, err)
		}
	}
	return tx.Commit()
}

// ListNotifications returns the latest mirrored notifications, newest first.
func (d *Database) ListNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, channel, topic, level, payload, ts
		FROM notification_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var res []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Channel, &n.Topic, &n.Level, &n.Payload, &n.TS); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
