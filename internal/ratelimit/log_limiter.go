package ratelimit

import (
	"sync/atomic"
)

// LogLimiter throttles repetitive log lines such as per-packet drop reports.
// Lines that are not allowed are counted so the next allowed line can report
// how many were suppressed in between.
//
// A nil *LogLimiter allows everything.
type LogLimiter struct {
	bucket     *TokenBucket
	suppressed atomic.Uint64
}

// NewLogLimiter returns a limiter allowing perSecond lines per second with a
// burst of the same size. perSecond <= 0 returns nil (unlimited).
func NewLogLimiter(clock Clock, perSecond int) *LogLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &LogLimiter{bucket: NewTokenBucket(clock, int64(perSecond), int64(perSecond))}
}

// Allow reports whether a line may be written. When it returns true, skipped
// is the number of lines suppressed since the previous allowed line.
func (l *LogLimiter) Allow() (ok bool, skipped uint64) {
	if l == nil {
		return true, 0
	}
	if !l.bucket.Allow(1) {
		l.suppressed.Add(1)
		return false, 0
	}
	return true, l.suppressed.Swap(0)
}
