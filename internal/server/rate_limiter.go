// Package server wraps a token bucket rate limiter for per-connection
// throttling that protects the hub from abuse.
package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// rateLimiter allows capacity events per interval with bursts up to capacity.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	perSecond := float64(capacity) / interval.Seconds()
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), capacity),
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}

// rateLimited reports whether an event type consumes a token. Read receipts
// are exempt: a client scrolling through history emits one per message.
func rateLimited(eventType string) bool {
	return eventType != protocol.EventReadReceipt
}
