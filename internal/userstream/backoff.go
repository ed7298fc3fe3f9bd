package userstream

import (
	"sync"
	"time"
)

// Backoff is a doubling reconnect delay with a cap.
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = b.initial
	b.mu.Unlock()
}
