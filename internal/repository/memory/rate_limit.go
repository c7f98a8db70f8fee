package memory

import (
	"context"
	"math"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter is the in-process fixed-window counter.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*window), now: time.Now}
}

func (l *RateLimiter) Consume(ctx context.Context, scope, subject string, span time.Duration) (int, int, error) {
	if span < time.Second {
		span = time.Second
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := scope + ":" + subject
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(span)}
		l.windows[key] = w
	}
	w.count++

	retryAfter := int(math.Ceil(w.resetAt.Sub(now).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return w.count, retryAfter, nil
}
