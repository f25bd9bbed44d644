package ports

import (
	"context"
	"time"
)

// RateDecision is the outcome of one rate limit check.
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts requests per key inside a fixed window. It lives outside
// the authentication core and never touches the unit of work.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}
