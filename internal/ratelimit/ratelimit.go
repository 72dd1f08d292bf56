// Package ratelimit enforces the per-tier requests-per-minute ceiling.
// The key is the billing tenant when one exists, otherwise the caller's
// user id, so individual accounts are still bounded. Supports in-memory
// (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or rejects one request against a per-minute ceiling.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryLimiter tracks fixed one-minute windows per key. Suitable for a
// single gateway instance.
type InMemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{windows: make(map[string]*window)}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		l.windows[key] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}
