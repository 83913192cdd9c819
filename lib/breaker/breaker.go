// Package breaker implements a per-endpoint circuit breaker with two states,
// closed and open. While open, every dispatch attempt is rejected immediately
// so the scheduler can rotate to another endpoint without wasting a network
// round trip. The breaker re-closes on elapsed time alone: once the reset
// interval has passed the next Allow succeeds and the failure count is zeroed.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the circuit is open. It is an internal
// signal for the scheduler, never surfaced to callers of the access layer.
var ErrOpen = errors.New("breaker: circuit open")

// Defaults used when a Config field is zero.
var (
	ThresholdDefault     = 3
	ResetIntervalDefault = 180 * time.Second
)

// State of a circuit.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}

	return "closed"
}

// Config parameterizes a Breaker per endpoint class.
type Config struct {
	Threshold     int           `json:"threshold"`
	ResetInterval time.Duration `json:"resetInterval"`
}

// Status is a point-in-time snapshot of a circuit.
type Status struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"openedAt,omitempty"`
	ResetAt  time.Time `json:"resetAt,omitempty"`
}

// Breaker guards one endpoint.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	resetInterval time.Duration
	failures      int
	state         State
	openedAt      time.Time
	resetAt       time.Time

	now func() time.Time
}

// New returns a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = ThresholdDefault
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = ResetIntervalDefault
	}

	return &Breaker{
		threshold:     cfg.Threshold,
		resetInterval: cfg.ResetInterval,
		now:           time.Now,
	}
}

// Allow reports whether a dispatch attempt may proceed. An open circuit whose
// reset interval has elapsed transitions back to closed with a zeroed failure
// count before allowing the attempt.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Before(b.resetAt) {
			return ErrOpen
		}

		b.state = Closed
		b.failures = 0
		b.openedAt = time.Time{}
		b.resetAt = time.Time{}
	}

	return nil
}

// RecordFailure accumulates a failure, tripping the circuit open once the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		now := b.now()
		b.state = Open
		b.openedAt = now
		b.resetAt = now.Add(b.resetInterval)
	}
}

// RecordSuccess resets the failure count in one step. Failures must
// accumulate to threshold, but a single success proves liveness.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	if b.state == Closed {
		b.failures = 0
	}
	b.mu.Unlock()
}

// Snapshot returns the current circuit status, applying any due time-based
// reset first so readers never observe a stale open state.
func (b *Breaker) Snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && !b.now().Before(b.resetAt) {
		b.state = Closed
		b.failures = 0
		b.openedAt = time.Time{}
		b.resetAt = time.Time{}
	}

	return Status{
		State:    b.state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
		ResetAt:  b.resetAt,
	}
}
