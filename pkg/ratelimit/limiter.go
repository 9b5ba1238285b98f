package ratelimit

import (
	"context"
	"time"
)

// Limiter allows at most Limit events per key per Window
type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
}

// NewLimiter creates a new limiter. A limit of zero or less disables it.
func NewLimiter(counter Counter, limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{counter: counter, limit: int64(limit), window: window}
}

// Window returns the length of the counting window
func (l *Limiter) Window() time.Duration { return l.window }

// Allow counts one event for key and reports whether it is within the
// limit. On a counter error the event is allowed and the error returned,
// so callers fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil || l.limit <= 0 || l.counter == nil {
		return true, nil
	}
	count, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		return true, err
	}
	return count <= l.limit, nil
}
