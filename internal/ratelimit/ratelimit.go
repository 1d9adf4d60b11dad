// Package ratelimit implements per-user request limiting for the execute
// endpoints. Each user gets an independent token bucket.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited (Allow always succeeds).
	BurstSize         int // 0 = RequestsPerMinute.
}

// Limiter is a per-user token bucket rate limiter. Safe for concurrent use.
// Buckets are created lazily and dropped with Forget or Prune.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*entry
	limit rate.Limit
	burst int
	now   func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	return &Limiter{
		users: make(map[string]*entry),
		limit: limit,
		burst: burst,
		now:   time.Now,
	}
}

// Allow consumes one token for userID, or returns ErrRateLimited.
func (l *Limiter) Allow(userID string) error {
	if l.limit == rate.Inf {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	e, ok := l.users[userID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	if !e.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Forget drops the bucket of userID.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	delete(l.users, userID)
	l.mu.Unlock()
}

// Prune drops buckets unused for longer than maxIdle and returns how many
// were removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	n := 0
	for id, e := range l.users {
		if e.lastSeen.Before(cutoff) {
			delete(l.users, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked users.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
