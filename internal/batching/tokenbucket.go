package batching

import (
	"sync"
	"time"
)

// TokenBucket is a classic per-user token bucket with lazy refill. It is
// deliberately hand-rolled rather than built on golang.org/x/time/rate: the
// spec's invariant (0 <= tokens <= capacity, with tokens and lastRefill
// directly observable) doesn't map onto rate.Limiter's burst model without
// reaching into unexported fields. See DESIGN.md for the full rationale.
type TokenBucket struct {
	mu              sync.Mutex
	clock           Clock
	capacity        float64
	tokensPerMinute float64
	tokens          float64
	lastRefill      time.Time
}

// NewTokenBucket creates a bucket starting full, at the given capacity and
// refill rate (tokens added per minute).
func NewTokenBucket(clock Clock, capacity int, tokensPerMinute int) *TokenBucket {
	return &TokenBucket{
		clock:           clock,
		capacity:        float64(capacity),
		tokensPerMinute: float64(tokensPerMinute),
		tokens:          float64(capacity),
		lastRefill:      clock.Now(),
	}
}

// TryAcquire attempts to take n tokens (default 1). It refills lazily based
// on elapsed time since the last refill, then grants the request iff
// tokens >= n after refill.
func (b *TokenBucket) TryAcquire(n int) bool {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		refill := elapsed.Seconds() * (b.tokensPerMinute / 60.0)
		b.tokens = min(b.tokens+refill, b.capacity)
		b.lastRefill = now
	}

	need := float64(n)
	if b.tokens >= need {
		b.tokens -= need
		return true
	}
	return false
}

// Available returns the current token count without consuming any, useful
// for stats and tests. It still performs the lazy refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		refill := elapsed.Seconds() * (b.tokensPerMinute / 60.0)
		b.tokens = min(b.tokens+refill, b.capacity)
		b.lastRefill = now
	}
	return b.tokens
}
