package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles the wrapped provider with a token bucket.
type RateLimited struct {
	next    EmailProvider
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends per second with the given burst. A
// non-positive rate disables limiting and returns next unchanged.
func NewRateLimited(next EmailProvider, perSecond float64, burst int) EmailProvider {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) SendRaw(ctx context.Context, recipient string, raw []byte) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.SendRaw(ctx, recipient, raw)
}
