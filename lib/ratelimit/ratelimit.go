// Package ratelimit implements a token bucket rate limiter with
// failure-driven backoff. A pure token bucket handles steady-state pacing; the
// additive backoff absorbs provider-side throttling bursts that a fixed-rate
// bucket alone would not back off from.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Default bucket parameters.
var (
	CapacityDefault  = 10.0
	RateDefault      = 2.0 // tokens per second
	BaseDelayDefault = 500 * time.Millisecond
	MaxDelayDefault  = 30 * time.Second
)

// Config parameterizes a Bucket. Zero values fall back to the package
// defaults so a single consolidated implementation serves every consumer.
type Config struct {
	Capacity  float64       `json:"capacity"`
	Rate      float64       `json:"rate"` // refill rate in tokens per second
	BaseDelay time.Duration `json:"baseDelay"`
	MaxDelay  time.Duration `json:"maxDelay"`
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = CapacityDefault
	}
	if c.Rate <= 0 {
		c.Rate = RateDefault
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = BaseDelayDefault
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = MaxDelayDefault
	}
	return c
}

// Bucket is a token bucket shared by one logical consumer. Tokens stay within
// [0, capacity] for every sequence of acquire and refill calls.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	failures int

	baseDelay time.Duration
	maxDelay  time.Duration

	now func() time.Time
}

// New returns a Bucket filled to capacity.
func New(cfg Config) *Bucket {
	cfg = cfg.withDefaults()

	b := &Bucket{
		capacity:  cfg.Capacity,
		tokens:    cfg.Capacity,
		rate:      cfg.Rate,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		now:       time.Now,
	}
	b.last = b.now()

	return b
}

// Acquire takes one token, suspending the caller while the bucket is empty.
// The wait grows exponentially with recorded consecutive failures, capped at
// maxDelay, so the call always eventually succeeds unless ctx is cancelled.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.mu.Lock()

	for {
		if err := ctx.Err(); err != nil {
			b.mu.Unlock()

			return err
		}

		b.refill(b.now())

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()

			return nil
		}

		wait := b.backoff()
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}

		b.mu.Lock()
	}
}

// RecordSuccess decays the consecutive failure count toward zero.
func (b *Bucket) RecordSuccess() {
	b.mu.Lock()
	if b.failures > 0 {
		b.failures--
	}
	b.mu.Unlock()
}

// RecordFailure increments the consecutive failure count and drains the
// bucket, forcing the next Acquire to wait at the larger backoff delay.
func (b *Bucket) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.tokens = 0
	b.mu.Unlock()
}

// Tokens returns the current token count after refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.now())

	return b.tokens
}

// Failures returns the consecutive failure count feeding the backoff curve.
func (b *Bucket) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures
}

// refill credits tokens proportional to elapsed wall-clock time, clamped at
// capacity. Caller must hold the mutex.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}

	b.tokens += b.rate * elapsed.Seconds()
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	b.last = now
}

// backoff returns min(baseDelay * 2^failures, maxDelay). Caller must hold the
// mutex.
func (b *Bucket) backoff() time.Duration {
	d := time.Duration(float64(b.baseDelay) * math.Pow(2, float64(b.failures)))
	if d <= 0 || d > b.maxDelay {
		return b.maxDelay
	}

	return d
}
