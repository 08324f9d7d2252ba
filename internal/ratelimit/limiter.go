// Package ratelimit provides keyed token bucket rate limiting.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Rate is the number of events allowed per second.
	Rate float64 `yaml:"rate"`
	// Burst is the maximum number of events allowed at once.
	Burst int `yaml:"burst"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig allows a short burst of reconnects and then one attempt
// every two seconds.
func DefaultConfig() Config {
	return Config{
		Rate:    0.5,
		Burst:   5,
		Enabled: true,
	}
}

// bucket implements token bucket rate limiting. Callers hold the limiter's
// lock.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time, rate, burst float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		b.lastRefill = now
	}
	if b.tokens > burst {
		b.tokens = burst
	}
}

// Limiter rate limits events per key, such as a remote address.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a limiter. Non-positive rate or burst fall back to the
// defaults.
func NewLimiter(config Config) *Limiter {
	defaults := DefaultConfig()
	if config.Rate <= 0 {
		config.Rate = defaults.Rate
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow consumes one token for key and reports whether the event may
// proceed. A nil or disabled limiter allows everything.
func (l *Limiter) Allow(key string) bool {
	if l == nil || !l.config.Enabled {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// WaitTime returns how long key must wait before its next event is allowed.
func (l *Limiter) WaitTime(key string) time.Duration {
	if l == nil || !l.config.Enabled {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / l.config.Rate * float64(time.Second))
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) bucketLocked(key string) *bucket {
	now := l.now()
	burst := float64(l.config.Burst)
	if b, ok := l.buckets[key]; ok {
		b.refill(now, l.config.Rate, burst)
		return b
	}
	if len(l.buckets) >= l.maxKeys {
		l.pruneLocked(now)
	}
	b := &bucket{tokens: burst, lastRefill: now}
	l.buckets[key] = b
	return b
}

// pruneLocked drops keys whose buckets have refilled, since they carry no
// state a fresh bucket would not.
func (l *Limiter) pruneLocked(now time.Time) {
	burst := float64(l.config.Burst)
	for key, b := range l.buckets {
		b.refill(now, l.config.Rate, burst)
		if b.tokens >= burst {
			delete(l.buckets, key)
		}
	}
}
