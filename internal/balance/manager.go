// Package balance caches the futures wallet balance.
package balance

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WalletSource reads the wallet balance of one asset from the venue.
type WalletSource interface {
	GetWalletBalance(ctx context.Context, asset string) (float64, error)
}

// Balance is a cached wallet snapshot.
type Balance struct {
	Asset    string    `json:"asset"`
	Total    float64   `json:"total"`
	SyncedAt time.Time `json:"synced_at"`
}

// Manager keeps the latest wallet balance.
type Manager struct {
	source WalletSource
	asset  string
	log    *zap.Logger

	mu    sync.RWMutex
	cache Balance
}

// NewManager builds a manager. source may be nil in dry and paper mode.
func NewManager(source WalletSource, asset string, log *zap.Logger) *Manager {
	if asset == "" {
		asset = "USDT"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{source: source, asset: asset, log: log.Named("balance"), cache: Balance{Asset: asset}}
}

// Sync fetches the latest balance from the venue.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	total, err := m.source.GetWalletBalance(ctx, m.asset)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cache = Balance{Asset: m.asset, Total: total, SyncedAt: time.Now()}
	m.mu.Unlock()
	m.log.Debug("balance synced", zap.String("asset", m.asset), zap.Float64("total", total))
	return nil
}

// WalletBalance syncs and returns the wallet balance.
func (m *Manager) WalletBalance(ctx context.Context) (float64, error) {
	if m.source == nil {
		return 0, errors.New("balance: no wallet source")
	}
	if err := m.Sync(ctx); err != nil {
		return 0, err
	}
	return m.Get().Total, nil
}

// Get returns the cached snapshot.
func (m *Manager) Get() Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}

// SetInitialBalance seeds the cache (dry and paper mode).
func (m *Manager) SetInitialBalance(amount float64) {
	m.mu.Lock()
	m.cache = Balance{Asset: m.asset, Total: amount, SyncedAt: time.Now()}
	m.mu.Unlock()
	m.log.Info("initial balance set", zap.Float64("total", amount))
}
