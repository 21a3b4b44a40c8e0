package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket admits up to capacity tokens in a burst and refills at fillRate
// tokens per second.
//
// Instead of storing a token count it tracks the theoretical arrival time of
// the next token: each admitted token pushes that time forward by one refill
// interval, and a request is refused when doing so would put it more than one
// full bucket ahead of the clock.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	interval time.Duration // time to refill one token
	burst    time.Duration // interval * capacity

	tat time.Time
}

// NewTokenBucket returns a full bucket. A capacity <= 0 admits nothing;
// a fillRate <= 0 is treated as one token per second.
func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate <= 0 {
		fillRate = 1
	}
	interval := time.Second / time.Duration(fillRate)
	if interval <= 0 {
		interval = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	return &TokenBucket{
		clock:    clock,
		interval: interval,
		burst:    interval * time.Duration(capacity),
		tat:      clock.Now(),
	}
}

// Allow consumes tokens if the bucket holds that many. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	tat := b.tat
	if tat.Before(now) {
		tat = now
	}
	next := tat.Add(b.interval * time.Duration(tokens))
	if next.Sub(now) > b.burst {
		return false
	}
	b.tat = next
	return true
}
