package redis

import (
	"context"
	"fmt"
	"time"

	"media-fetch-service/internal/domain/ports/adapter"
)

var _ adapter.RateLimiter = (*RateLimiter)(nil)

// RateLimiter is a fixed-window counter: INCR, with EXPIRE set on the first hit.
type RateLimiter struct {
	client RedisClient
}

func NewRateLimiter(client RedisClient) *RateLimiter {
	return &RateLimiter{client: client}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.client.Incr(ctx, key)
	if err != nil {
		return false, err
	}

	if count == 1 {
		err = r.client.Expire(ctx, key, window)
		if err != nil {
			return false, err
		}
	}

	if count > int64(limit) {
		return false, nil
	}

	return true, nil
}

// ClientKey scopes a limiter bucket to one client address.
func ClientKey(limiter, ip string) string {
	return fmt.Sprintf("rate_limit:%s:%s", limiter, ip)
}
