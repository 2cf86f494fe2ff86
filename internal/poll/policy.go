package poll

import (
	"math"
	"sync"
	"time"
)

// Policy maps a count of consecutive failures to the wait before the next
// tick.
type Policy interface {
	Interval(failures int) time.Duration
}

// Fixed waits the same duration regardless of failures.
type Fixed time.Duration

// Interval implements Policy.
func (f Fixed) Interval(int) time.Duration {
	return time.Duration(f)
}

// Exponential waits Base × Factor^failures, capped at Max. A zero Max means
// no cap. No jitter is applied so intervals are reproducible.
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Interval implements Policy.
func (e Exponential) Interval(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	d := float64(e.Base) * math.Pow(e.Factor, float64(failures))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Backoff tracks consecutive failures against a Policy. It is owned by the
// caller rather than by a Loop, so the count survives loop restarts.
//
// All methods are safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	policy   Policy
	failures int
}

// NewBackoff creates a Backoff with zero failures.
func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Interval returns the wait before the next tick.
func (b *Backoff) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy.Interval(b.failures)
}

// Failures returns the number of consecutive failures.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Failure records a failed tick and returns the new interval.
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	return b.policy.Interval(b.failures)
}

// Success resets the failure count and returns the base interval.
func (b *Backoff) Success() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	return b.policy.Interval(0)
}
