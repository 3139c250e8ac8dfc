// Package ratelimit implements the token bucket guarding upstream calls.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrExhausted is returned by Acquire when no token became available within
// the wait budget.
var ErrExhausted = errors.New("rate limit exhausted")

// Bucket is a token bucket refilled continuously at capacity/window tokens
// per unit time. Safe for concurrent use.
//
// Tokens are consumed on acquire and never refunded, including when the
// caller's context is cancelled afterwards.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates a full bucket holding capacity tokens that refills completely
// over window.
func New(capacity int, window time.Duration) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	b := &Bucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: float64(capacity) / window.Seconds(),
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refillLocked adds tokens for the elapsed time since the last refill,
// capped at capacity. Caller holds mu.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// TryAcquire takes one token without blocking. Returns false if the bucket
// is empty.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Acquire waits up to timeout for a token, polling at the granularity the
// refill rate makes useful. It returns nil on success, ErrExhausted on
// timeout, and the context error if ctx is done first.
func (b *Bucket) Acquire(ctx context.Context, timeout time.Duration) error {
	if b.TryAcquire() {
		return nil
	}
	if timeout <= 0 {
		return ErrExhausted
	}

	deadline := b.now().Add(timeout)
	interval := b.retryInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.TryAcquire() {
				return nil
			}
			if !b.now().Before(deadline) {
				return ErrExhausted
			}
		}
	}
}

// retryInterval picks a poll period: a tenth of the time one token takes to
// refill, clamped to [1ms, 100ms].
func (b *Bucket) retryInterval() time.Duration {
	perToken := time.Duration(float64(time.Second) / b.refillRate)
	interval := perToken / 10
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	if interval > 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// Tokens reports the current token count after refill. Used by tests and
// debug logging.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// setClock replaces the time source. Test helper.
func (b *Bucket) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.lastRefill = now()
}
