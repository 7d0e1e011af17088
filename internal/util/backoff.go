package util

import (
	"context"
	"sync"
	"time"
)

// Backoff yields doubling retry delays capped at a maximum.
// It is safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	next     time.Duration
	initial  time.Duration
	maxDelay time.Duration
}

// NewBackoff returns a Backoff starting at initial and capped at maxDelay.
func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	return &Backoff{next: initial, initial: initial, maxDelay: maxDelay}
}

// Next returns the delay to use now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.next
	b.next = min(2*b.next, b.maxDelay)
	return d
}

// Current returns the delay Next would return, without advancing.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Wait sleeps for the next delay. It returns ctx.Err() if ctx ends first.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset starts the sequence over at the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = b.initial
}
