package ratelimit

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vinayprograms/agentwatch/clock"
)

// Common errors.
var (
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrInvalidWindow   = errors.New("invalid window")
)

// DefaultMaxKeys bounds the number of buckets kept.
const DefaultMaxKeys = 10000

// Config configures a Limiter.
type Config struct {
	// Capacity is the number of tokens per Window, and the burst size.
	Capacity int

	// Window is the refill period.
	Window time.Duration

	// MaxKeys defaults to DefaultMaxKeys.
	MaxKeys int

	Clock clock.Clock
}

// bucket is a token bucket.
type bucket struct {
	available  int
	lastRefill time.Time
}

// refill adds the tokens earned since lastRefill. Partial progress is kept
// by advancing lastRefill only by the time the added tokens account for.
func (b *bucket) refill(now time.Time, capacity int, window time.Duration) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	tokens := int(float64(capacity) * float64(elapsed) / float64(window))
	if tokens <= 0 {
		return
	}
	b.available += tokens
	if b.available >= capacity {
		b.available = capacity
		b.lastRefill = now
		return
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(tokens) * window / time.Duration(capacity))
}

// Limiter holds one bucket per key. It is safe for concurrent use.
type Limiter struct {
	capacity int
	window   time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
}

// New creates a Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if cfg.Window <= 0 {
		return nil, ErrInvalidWindow
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	buckets, err := lru.New[string, *bucket](cfg.MaxKeys)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		capacity: cfg.Capacity,
		window:   cfg.Window,
		clock:    cfg.Clock,
		buckets:  buckets,
	}, nil
}

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(key)
	if b.available == 0 {
		return false
	}
	b.available--
	return true
}

// Available returns the tokens key could spend right now.
func (l *Limiter) Available(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bucketLocked(key).available
}

// Forget drops the bucket for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets.Remove(key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets.Len()
}

func (l *Limiter) bucketLocked(key string) *bucket {
	now := l.clock.Now()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = &bucket{available: l.capacity, lastRefill: now}
		l.buckets.Add(key, b)
		return b
	}
	b.refill(now, l.capacity, l.window)
	return b
}
