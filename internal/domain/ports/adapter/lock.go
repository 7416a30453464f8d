package adapter

import (
	"context"
	"time"
)

// Locker grants short-lived exclusive ownership of a key across processes.
type Locker interface {
	// TryLock returns domain.ErrLockHeld when somebody else owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// RateLimiter counts hits per key inside a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
