package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests and tracks the venue's reported weight usage.
type RateLimiter struct {
	pacer         *rate.Limiter
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	log           *zap.Logger
	mu            sync.RWMutex
}

// NewRateLimiter creates a limiter.
// limit: maximum weight allowed per resetInterval (2400/min for USDT-M futures);
// rps: local request pacing, 0 disables pacing.
func NewRateLimiter(limit int, resetInterval time.Duration, rps int, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	rl := &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		log:           log,
	}
	if rps > 0 {
		rl.pacer = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return rl
}

// Wait blocks until the next request may be sent or ctx ends.
// When usage is near the ban threshold it also waits for the window to roll over.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.ShouldDelay() {
		rl.mu.RLock()
		wait := rl.resetInterval - time.Since(rl.lastReset)
		rl.mu.RUnlock()
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	if rl.pacer == nil {
		return nil
	}
	return rl.pacer.Wait(ctx)
}

// UpdateFromHeader updates the used weight from API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}

	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}

	rl.usedWeight = weight

	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	if percentage >= 95 {
		rl.log.Error("rate limit critical", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	} else if percentage >= 80 {
		rl.log.Warn("rate limit warning", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}

	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true if we should delay the next request.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}
