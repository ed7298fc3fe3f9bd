package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading-engine/pkg/db"
)

// IdempotencyStore remembers client order ids for a bounded window.
type IdempotencyStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewIdempotencyStore(window time.Duration) *IdempotencyStore {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &IdempotencyStore{seen: make(map[string]time.Time), window: window, now: time.Now}
}

// Seen reports whether id was recorded within the window.
func (s *IdempotencyStore) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seenLocked(id)
}

func (s *IdempotencyStore) seenLocked(id string) bool {
	at, ok := s.seen[id]
	return ok && s.now().Sub(at) < s.window
}

// Record stores id with the given time.
func (s *IdempotencyStore) Record(id string, at time.Time) {
	s.mu.Lock()
	s.seen[id] = at
	s.mu.Unlock()
}

// Claim records id and returns true, or returns false if it is already live.
func (s *IdempotencyStore) Claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenLocked(id) {
		return false
	}
	s.seen[id] = s.now()
	return true
}

// Prune drops expired ids and returns how many were removed.
func (s *IdempotencyStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.window)
	n := 0
	for id, at := range s.seen {
		if !at.After(cutoff) {
			delete(s.seen, id)
			n++
		}
	}
	return n
}

// Len is the number of ids currently held, expired or not.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Rehydrate loads ids persisted within the window so a restart keeps rejecting them.
func (s *IdempotencyStore) Rehydrate(ctx context.Context, database *db.Database) (int, error) {
	since := s.now().Add(-s.window).Unix()
	keys, err := database.ListClientOrderIDsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("rehydrate idempotency: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.seen[k.ClientOrderID] = time.Unix(k.CreatedAt, 0)
	}
	return len(keys), nil
}
