// Package ratelimit implements a keyed token bucket limiter shared by all
// outbound fetches.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quarrydata/quarry/internal/telemetry"
)

// Config holds rate limiter configuration. Requests/Window define the default
// budget; PerKey overrides the request count for specific keys.
type Config struct {
	Requests int
	Window   time.Duration
	PerKey   map[string]int
}

// Limiter manages per-key token buckets. Counters are guarded by a mutex so
// concurrent fetch workers cannot over-admit.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a Limiter. A zero or negative request budget means unlimited.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Acquire blocks until a token is available for the given key, respecting the
// context. Waiters are served in arrival order.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	limiter := l.limiterFor(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[key]; ok {
		return limiter
	}
	requests := l.cfg.Requests
	if override, ok := l.cfg.PerKey[key]; ok {
		requests = override
	}
	limiter := rate.NewLimiter(limitFor(requests, l.cfg.Window), burstFor(requests))
	l.limiters[key] = limiter
	return limiter
}

func limitFor(requests int, window time.Duration) rate.Limit {
	if requests <= 0 {
		return rate.Inf
	}
	return rate.Every(window / time.Duration(requests))
}

func burstFor(requests int) int {
	if requests <= 0 {
		return 1
	}
	return requests
}
