package chat

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the per-connection token bucket. Client frames consume a
// token or are refused with the time until one is available; server
// initiated traffic waits for its token instead.
type Limiter struct {
	bucket *rate.Limiter
}

func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

// Allow consumes a token if one is ready. When the bucket is empty it
// consumes nothing and reports how long until the next token.
func (l *Limiter) Allow() (bool, time.Duration) {
	r := l.bucket.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Wait blocks until a token is available or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}
