// Package limiter bounds consecutive failures: reconnect attempts of the push
// channel and login attempts per account on the mock backend.
package limiter

import (
	"sync"
	"time"
)

// Limiter controls a budget of consecutive failed attempts.
type Limiter interface {
	// Allow reports whether another attempt is allowed and how long to wait before it.
	Allow() (bool, time.Duration)
	// Failure records a failed attempt and reports whether the budget is now spent.
	Failure() bool
	// Success resets the counter after a successful attempt.
	Success()
	// Reset restores the full budget (manual retry).
	Reset()
	// Attempts returns the number of failed attempts since the last reset.
	Attempts() int
}

// Bounded allows up to Max consecutive failed attempts spaced by Delay.
type Bounded struct {
	max   int
	delay time.Duration

	mu       sync.Mutex
	failures int
}

var _ Limiter = (*Bounded)(nil)

// NewBounded constructs a limiter. max <= 0 allows no attempts.
func NewBounded(max int, delay time.Duration) *Bounded {
	if delay < 0 {
		delay = 0
	}
	return &Bounded{max: max, delay: delay}
}

// Allow reports whether fewer than max attempts have failed.
func (b *Bounded) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures >= b.max {
		return false, 0
	}
	return true, b.delay
}

// Failure records one failed attempt.
func (b *Bounded) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.max {
		b.failures++
	}
	return b.failures >= b.max
}

// Success resets the counter.
func (b *Bounded) Success() { b.Reset() }

// Reset resets the counter.
func (b *Bounded) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Attempts returns the failed attempts since the last reset.
func (b *Bounded) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Max returns the attempt budget.
func (b *Bounded) Max() int { return b.max }
