package server

import (
	"sync"
	"time"
)

// rateLimiter is a token bucket holding up to burst tokens, refilled
// continuously at burst tokens per interval. Each inbound frame costs one.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	perSec   float64
	lastFill time.Time
	now      func() time.Time
}

func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	return newRateLimiterClock(burst, interval, time.Now)
}

func newRateLimiterClock(burst int, interval time.Duration, now func() time.Time) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		tokens:   float64(burst),
		burst:    float64(burst),
		perSec:   float64(burst) / interval.Seconds(),
		lastFill: now(),
		now:      now,
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.lastFill).Seconds(); elapsed > 0 {
		rl.tokens = min(rl.burst, rl.tokens+elapsed*rl.perSec)
	}
	rl.lastFill = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
