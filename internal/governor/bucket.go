package governor

import (
	"sync"
	"time"
)

// bucket is a token bucket with lazy refill. Tokens accrue continuously
// at refillRate per second, clamped to [0, capacity]; nothing ticks in
// the background, refill happens on access.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now,
	}
}

// refill advances the bucket to now. Caller holds mu.
func (b *bucket) refill(now time.Time) {
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

// take consumes n tokens if available. Partial consumption never
// happens; an insufficient bucket is left untouched apart from refill.
func (b *bucket) take(n float64, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// level reports the current token count after refill.
func (b *bucket) level(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.tokens
}

// resize updates capacity and refill rate, clamping stored tokens to the
// new capacity.
func (b *bucket) resize(capacity, refillRate float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.capacity = capacity
	b.refillRate = refillRate
	if b.tokens > capacity {
		b.tokens = capacity
	}
}
