package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetEngineState reads a persisted engine key. ok is false when the key was never written.
func (d *Database) GetEngineState(ctx context.Context, key string) (value string, ok bool, err error) {
	err = d.DB.QueryRowContext(ctx, `SELECT value FROM engine_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get engine state %s: %w", key, err)
	}
	return value, true, nil
}

// SetEngineState writes several keys atomically.
func (d *Database) SetEngineState(ctx context.Context, kv map[string]string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin engine state: %w", err)
	}
	now := time.Now().Unix()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO engine_state (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, v, now); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set engine state %s: %w", k, err)
		}
	}
	return tx.Commit()
}
