package leakybucket

import (
	"sync"
	"time"

	"github.com/kanengo/healthd/middleware/ratelimit"
)

var (
	_ ratelimit.Limiter = (*LeakyBucket)(nil)
)

// LeakyBucket refills one token every fillRate up to capacity.
type LeakyBucket struct {
	capacity        int64
	remainingTokens int64
	fillRate        time.Duration
	lastFilled      time.Time
	now             func() time.Time
	mu              sync.Mutex
}

func NewLeakyBucket(capacity int64, fillRate time.Duration) *LeakyBucket {
	return newLeakyBucket(capacity, fillRate, time.Now)
}

func newLeakyBucket(capacity int64, fillRate time.Duration, now func() time.Time) *LeakyBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if fillRate <= 0 {
		fillRate = time.Millisecond
	}
	return &LeakyBucket{
		capacity:        capacity,
		remainingTokens: capacity,
		fillRate:        fillRate,
		lastFilled:      now(),
		now:             now,
	}
}

func (lb *LeakyBucket) Allow() error {
	if !lb.TryAcquire(1) {
		return ratelimit.ErrTriggerLimit
	}
	return nil
}

func (lb *LeakyBucket) refill() {
	now := lb.now()
	newTokens := int64(now.Sub(lb.lastFilled) / lb.fillRate)
	if newTokens > 0 {
		lb.remainingTokens += newTokens
		if lb.remainingTokens > lb.capacity {
			lb.remainingTokens = lb.capacity
		}
		// keep the remainder so partial intervals are not lost
		lb.lastFilled = lb.lastFilled.Add(time.Duration(newTokens) * lb.fillRate)
	}
}

func (lb *LeakyBucket) TryAcquire(n int64) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.refill()
	if lb.remainingTokens >= n {
		lb.remainingTokens -= n
		return true
	}
	return false
}

func (lb *LeakyBucket) GetWaitTime(n int64) time.Duration {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.refill()
	if lb.remainingTokens >= n {
		return 0
	}
	neededTokens := n - lb.remainingTokens
	return time.Duration(neededTokens)*lb.fillRate - lb.now().Sub(lb.lastFilled)
}
