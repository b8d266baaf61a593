package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxBucketEntries bounds the local per-key state. The map is an LRU
// with a large ceiling so hot keys stay resident while abandoned keys
// age out instead of growing without bound.
const maxBucketEntries = 1 << 20

// bucket is per-key token bucket state. Refill is lazy on access.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// TokenBucketLimiter implements local token-bucket rate limiting with
// one bucket per key. It also serves as the fallback when a
// distributed limiter is unreachable.
type TokenBucketLimiter struct {
	buckets *expirable.LRU[string, *bucket]
}

// NewTokenBucketLimiter creates a local token bucket limiter.
func NewTokenBucketLimiter() *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets: expirable.NewLRU[string, *bucket](maxBucketEntries, nil, 0),
	}
}

// Allow checks one request against the bucket for key. Capacity is
// burst (default requests); the refill rate is requests per window.
func (tb *TokenBucketLimiter) Allow(key string, requests, windowSecs, burst int) Decision {
	capacity := burst
	if capacity <= 0 {
		capacity = requests
	}
	rate := float64(requests) / float64(windowSecs)

	b, ok := tb.buckets.Get(key)
	if !ok {
		b = &bucket{tokens: float64(capacity), lastRefill: time.Now()}
		tb.buckets.Add(key, b)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > float64(capacity) {
		b.tokens = float64(capacity)
	}
	b.lastRefill = now

	d := Decision{Limit: requests}

	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		d.ResetAfter = secondsToFull(capacity, b.tokens, rate)
		return d
	}

	d.Allowed = false
	d.Remaining = 0
	d.RetryAfter = int(math.Ceil((1 - b.tokens) / rate))
	if d.RetryAfter < 1 {
		d.RetryAfter = 1
	}
	d.ResetAfter = secondsToFull(capacity, b.tokens, rate)
	return d
}

// secondsToFull returns the whole seconds until the bucket refills.
func secondsToFull(capacity int, tokens, rate float64) int {
	missing := float64(capacity) - tokens
	if missing <= 0 {
		return 0
	}
	return int(math.Ceil(missing / rate))
}

// Len returns the number of tracked keys.
func (tb *TokenBucketLimiter) Len() int {
	return tb.buckets.Len()
}
