package audit

import (
	"context"

	"golang.org/x/time/rate"
)

// OutboundLimiter throttles outbound HTTP calls this process makes to
// plugin/OAuth providers. Unlike the user-facing SlidingWindowLimiter,
// exactness doesn't matter here, so the standard token bucket is a fine
// fit and keeps the rate-limiting interface narrow enough for either
// implementation to stand in for the other.
type OutboundLimiter struct {
	limiter *rate.Limiter
}

// NewOutboundLimiter builds a limiter allowing burst requests
// immediately and refilling at ratePerSecond thereafter.
func NewOutboundLimiter(ratePerSecond float64, burst int) *OutboundLimiter {
	return &OutboundLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (o *OutboundLimiter) Wait(ctx context.Context) error {
	return o.limiter.Wait(ctx)
}
