package relay

import (
	"sync"
	"time"
)

// Per-IP limits. Pairing approval is tighter than the upgrade routes.
const (
	PairRateLimit     = 20
	UpgradeRateLimit  = 60
	RateWindow        = 60 * time.Second
	maxRateBuckets    = 10_000
	rateBucketGCSlack = 2 // buckets older than slack·window are collectable
)

type rateBucket struct {
	windowStart time.Time
	count       uint32
}

// RateLimiter is a fixed-window counter keyed by arbitrary string, typically
// "pair:<ip>" or "ws_client:<ip>". It never blocks: a breach is an immediate
// denial. Memory is bounded by a lazy GC once the map outgrows
// maxRateBuckets.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	now     func() time.Time
}

// NewRateLimiter creates an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Allow records one attempt for key and reports whether it is within limit
// for the current fixed window.
func (rl *RateLimiter) Allow(key string, limit uint32, window time.Duration) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &rateBucket{windowStart: now}
		rl.buckets[key] = bucket
	}
	if now.Sub(bucket.windowStart) >= window {
		bucket.windowStart = now
		bucket.count = 0
	}
	if bucket.count < ^uint32(0) {
		bucket.count++
	}
	allowed := bucket.count <= limit

	if len(rl.buckets) > maxRateBuckets {
		cutoff := window * rateBucketGCSlack
		for k, b := range rl.buckets {
			if now.Sub(b.windowStart) >= cutoff {
				delete(rl.buckets, k)
			}
		}
	}

	return allowed
}
