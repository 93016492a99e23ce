package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
)

// BreakerState is the state of the generation circuit breaker.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker counts consecutive render failures and stops dispatch into a
// pipeline that keeps failing. While open, admission sheds new jobs; after the
// cool-down a single probe job is let through.
type CircuitBreaker struct {
	logger *slog.Logger
	cfg    domain.BreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	probeInFlight bool
	onStateChange []func(from, to BreakerState)
}

func NewCircuitBreaker(logger *slog.Logger, cfg domain.BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	return &CircuitBreaker{
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		state:  BreakerClosed,
	}
}

// OnStateChange registers a callback invoked (under the breaker lock) on every transition.
func (b *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = append(b.onStateChange, fn)
}

// State reports the effective state. An open breaker whose cool-down has
// elapsed reports half-open even before the next dispatch attempt.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.coolDownElapsed() {
		return BreakerHalfOpen
	}
	return b.state
}

// IsOpen is the admission check. It never changes state.
func (b *CircuitBreaker) IsOpen() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen || b.coolDownElapsed() {
		return false, 0
	}
	return true, b.cfg.CoolDown - b.now().Sub(b.openedAt)
}

// AllowDispatch reports whether the scheduler may start one more job.
// In half-open only one probe is granted until its outcome is recorded.
func (b *CircuitBreaker) AllowDispatch() (allowed bool, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if !b.coolDownElapsed() {
			return false, false
		}
		b.transitionTo(BreakerHalfOpen)
	}

	if b.probeInFlight {
		return false, false
	}
	b.probeInFlight = true
	return true, true
}

// RecordSuccess closes a half-open breaker and resets the failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.windowStart = time.Time{}
	case BreakerHalfOpen:
		b.transitionTo(BreakerClosed)
	}
}

// RecordFailure counts a render failure.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case BreakerClosed:
		if b.windowStart.IsZero() || (b.cfg.Window > 0 && now.Sub(b.windowStart) > b.cfg.Window) {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionTo(BreakerOpen)
	}
}

// AbortProbe returns an unused probe slot, e.g. when the probe job was
// cancelled before rendering anything.
func (b *CircuitBreaker) AbortProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// Failures returns the current failure count inside the window.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker closed and clears the failure window.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(BreakerClosed)
	b.failures = 0
	b.windowStart = time.Time{}
	b.probeInFlight = false
}

func (b *CircuitBreaker) coolDownElapsed() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.CoolDown
}

func (b *CircuitBreaker) transitionTo(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.probeInFlight = false

	switch next {
	case BreakerClosed:
		b.failures = 0
		b.windowStart = time.Time{}
	case BreakerOpen:
		b.failures = 0
		b.windowStart = time.Time{}
		b.openedAt = b.now()
	}

	level := slog.LevelInfo
	if next == BreakerOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state changed", "from", prev.String(), "to", next.String())
	for _, fn := range b.onStateChange {
		fn(prev, next)
	}
}
