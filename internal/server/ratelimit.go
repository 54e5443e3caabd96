package server

import (
	"math"
	"sync"
	"time"

	"github.com/DragonSecurity/conduit/pkg/metrics"
)

// TokenBucket is a lazily refilled bucket. Not safe for concurrent use on its
// own; the owning Limiter or pool entry serializes access.
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket starts full.
func NewTokenBucket(capacity, refillPerSec float64, now time.Time) *TokenBucket {
	return &TokenBucket{capacity: capacity, tokens: capacity, refillRate: refillPerSec, lastRefill: now}
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// take consumes one token, or reports how long until one will be available.
func (b *TokenBucket) take(now time.Time) (bool, time.Duration) {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	missing := 1 - b.tokens
	wait := time.Duration(missing / b.refillRate * float64(time.Second))
	return false, wait
}

// Tokens reports the current level in [0, capacity].
func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.refill(now)
	return b.tokens
}

// Limiter applies a token bucket per key. Keys never share a bucket; one
// limiter instance covers one scope (tenant ids, or source addresses).
type Limiter struct {
	mu           sync.Mutex
	scope        string
	capacity     float64
	refillPerSec float64
	buckets      map[string]*TokenBucket
	violations   int64
	now          func() time.Time
}

// NewLimiter builds a limiter for one scope, used as the metric label on
// violations.
func NewLimiter(scope string, capacity, refillPerSec float64) *Limiter {
	return &Limiter{
		scope:        scope,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		buckets:      make(map[string]*TokenBucket),
		now:          time.Now,
	}
}

// TryAcquire consumes one token for key. On denial it returns the delay after
// which a retry can succeed.
func (l *Limiter) TryAcquire(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = NewTokenBucket(l.capacity, l.refillPerSec, now)
		l.buckets[key] = b
	}
	allowed, retryAfter := b.take(now)
	if !allowed {
		l.violations++
		metrics.RateLimitViolations.WithLabelValues(l.scope).Inc()
	}
	return allowed, retryAfter
}

// Violations reports the total denied operations since construction.
func (l *Limiter) Violations() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

// Forget drops a key's bucket, e.g. when a tenant's pool entry is destroyed.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
