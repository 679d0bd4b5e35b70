// Package ratelimit provides token bucket limiters for outbound traffic
// initiated by sandboxes.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter provides token bucket rate limiting.
type Limiter struct {
	rate     float64 // tokens per second
	burst    int
	tokens   float64
	lastTime time.Time
	now      func() time.Time
	mu       sync.Mutex
}

// NewLimiter creates a limiter that starts with a full bucket. A nil now
// uses time.Now.
func NewLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:     rate,
		burst:    burst,
		tokens:   float64(burst),
		lastTime: now(),
		now:      now,
	}
}

// Allow reports whether one operation may proceed and consumes a token if so.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN checks if n operations are allowed and consumes n tokens if so.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// Tokens returns the current number of available tokens.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

func (l *Limiter) refill() {
	now := l.now()
	if elapsed := now.Sub(l.lastTime).Seconds(); elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > float64(l.burst) {
			l.tokens = float64(l.burst)
		}
	}
	l.lastTime = now
}

// Keyed holds one limiter per key, created on first use.
type Keyed struct {
	rate  float64
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewKeyed returns a keyed limiter. A rate of zero or less disables limiting.
func NewKeyed(rate float64, burst int, now func() time.Time) *Keyed {
	return &Keyed{rate: rate, burst: burst, now: now, limiters: make(map[string]*Limiter)}
}

// Allow consumes a token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	if k == nil || k.rate <= 0 {
		return true
	}
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = NewLimiter(k.rate, k.burst, k.now)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// Reset forgets key's bucket.
func (k *Keyed) Reset(key string) {
	k.mu.Lock()
	delete(k.limiters, key)
	k.mu.Unlock()
}
