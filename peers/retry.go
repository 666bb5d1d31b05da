package peers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Retrier paces connect retries with a token bucket so a failing peer cannot
// cause a tight reconnect loop. The first Burst attempts are immediate.
type Retrier struct {
	limiter *rate.Limiter
}

// NewRetrier allows one attempt per interval with the given burst
func NewRetrier(interval time.Duration, burst int) *Retrier {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Retrier{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until the next attempt is permitted or ctx is done
func (r *Retrier) Wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("retry wait: %w", err)
	}
	return nil
}

// Allow reports whether an attempt may be made right now
func (r *Retrier) Allow() bool {
	return r.limiter.Allow()
}
