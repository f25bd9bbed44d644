package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/99minutos/auth-service/internal/core/ports"
)

const keyPrefix = "ratelimit:"

// RateLimiter is a fixed-window request counter shared by every replica.
// Key format: ratelimit:<key>
type RateLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	now    func() time.Time
}

var _ ports.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter allows limit requests per key in each window.
func NewRateLimiter(client redis.UniversalClient, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{client: client, limit: limit, window: window, now: time.Now}
}

// Allow counts one request for key. The window starts with the first request.
func (l *RateLimiter) Allow(ctx context.Context, key string) (ports.RateDecision, error) {
	k := keyPrefix + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return ports.RateDecision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return ports.RateDecision{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil {
		return ports.RateDecision{}, fmt.Errorf("rate limit ttl: %w", err)
	}
	if ttl < 0 {
		// A crash between INCR and EXPIRE leaves a key without TTL.
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return ports.RateDecision{}, fmt.Errorf("rate limit expire: %w", err)
		}
		ttl = l.window
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return ports.RateDecision{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   l.now().Add(ttl),
	}, nil
}
