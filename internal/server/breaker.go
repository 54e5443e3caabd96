package server

import (
	"sync"
	"time"

	"github.com/DragonSecurity/conduit/pkg/metrics"
	"github.com/DragonSecurity/conduit/pkg/tunnelerr"
)

// BreakerState follows the classic closed → open → half-open cycle; states
// are never skipped.
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
	}
	return "unknown"
}

// Breaker isolates one tenant-channel pair from a failing backend. It is
// owned exclusively by the pool channel it protects and holds no back
// reference; tenant and channel ids exist only for logging and metrics.
type Breaker struct {
	mu            sync.Mutex
	tenant        string
	channel       string
	threshold     int
	resetTimeout  time.Duration
	state         BreakerState
	failures      int
	lastFailure   time.Time
	resetDeadline time.Time
	trialInFlight bool
	now           func() time.Time
}

// NewBreaker starts closed.
func NewBreaker(tenant, channel string, threshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		tenant:       tenant,
		channel:      channel,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Execute runs op through the breaker. While open, operations fail fast with
// a breaker-open error instead of attempting the call. After the reset
// timeout, exactly one trial operation is allowed: success closes the
// breaker, failure reopens it and restarts the timeout.
func (b *Breaker) Execute(op func() error) error {
	b.mu.Lock()
	now := b.now()
	switch b.state {
	case BreakerOpen:
		if now.Before(b.resetDeadline) {
			b.mu.Unlock()
			return b.openError()
		}
		b.transitionLocked(BreakerHalfOpen)
		b.trialInFlight = true
	case BreakerHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return b.openError()
		}
		b.trialInFlight = true
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = b.now()
		if b.state == BreakerHalfOpen || b.failures >= b.threshold {
			b.trip()
		}
		return err
	}
	if b.state == BreakerHalfOpen {
		b.transitionLocked(BreakerClosed)
	}
	b.failures = 0
	b.trialInFlight = false
	return nil
}

func (b *Breaker) trip() {
	b.resetDeadline = b.now().Add(b.resetTimeout)
	b.trialInFlight = false
	if b.state != BreakerOpen {
		b.transitionLocked(BreakerOpen)
	}
}

func (b *Breaker) transitionLocked(to BreakerState) {
	b.state = to
	if to == BreakerClosed {
		b.trialInFlight = false
	}
	metrics.BreakerTransitions.WithLabelValues(to.String()).Inc()
}

func (b *Breaker) openError() error {
	return tunnelerr.Server(tunnelerr.CodeBreakerOpen, "circuit breaker open", nil).
		WithContext("tenant", b.tenant).
		WithContext("channel", b.channel)
}

// State reports the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures reports the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
