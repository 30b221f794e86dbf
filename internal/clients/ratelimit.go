package clients

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedFetcher throttles calls to the paid fetch API across all
// workers in the process. Waiting counts as suspension, not failure, so it
// happens before the breaker sees the call.
type RateLimitedFetcher struct {
	inner   ProfileFetcher
	limiter *rate.Limiter
}

func NewRateLimitedFetcher(inner ProfileFetcher, perSecond float64, burst int) *RateLimitedFetcher {
	return &RateLimitedFetcher{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (f *RateLimitedFetcher) Fetch(ctx context.Context, usernames []string) ([]RawProfile, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return f.inner.Fetch(ctx, usernames)
}
