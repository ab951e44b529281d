package hub

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/emperorhan/hub-indexer/internal/metrics"
)

// limiter is a token bucket in front of Hub calls. A nil limiter never waits.
type limiter struct {
	limiter *rate.Limiter
}

func newLimiter(rps float64, burst int) *limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until one token is available or ctx is done.
func (l *limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.HubRateLimitWaits.Inc()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
