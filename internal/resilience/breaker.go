package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker isolates a failing dependency. After Failures consecutive
// failures it opens for Cooldown, then lets trial calls through; Successes
// trial successes close it again.
type Breaker struct {
	Name      string
	Failures  int
	Successes int
	Cooldown  time.Duration
	Logger    *zap.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewBreaker(name string, failures int, cooldown time.Duration, logger *zap.Logger) *Breaker {
	if failures <= 0 {
		failures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{Name: name, Failures: failures, Successes: 1, Cooldown: cooldown, Logger: logger}
}

func (b *Breaker) clock() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Allow reports whether a call may proceed. A nil breaker always allows.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.clock().Sub(b.lastFailure) >= b.Cooldown {
			b.state = BreakerHalfOpen
			b.successes = 0
			b.log("breaker half-open")
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= max(b.Successes, 1) {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.log("breaker closed")
		}
	}
}

func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.clock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.Failures {
			b.state = BreakerOpen
			b.log("breaker open")
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successes = 0
		b.log("breaker reopened")
	}
}

func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock().Sub(b.lastFailure) >= b.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) log(msg string) {
	if b.Logger != nil {
		b.Logger.Info(msg, zap.String("name", b.Name), zap.Int("failures", b.failures))
	}
}

// Backoff returns base * 2^attempt capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if attempt < 0 {
		return base
	}
	if attempt > 30 {
		return maxDelay
	}
	d := base * time.Duration(1<<attempt)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}
