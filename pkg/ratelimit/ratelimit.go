package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps how many AI requests a user may make per window. It is a thin
// wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store  extratelimit.Limiter
	window time.Duration
}

func NewLimiter(rdb *redis.Client, requests int, window time.Duration) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(requests),
		extratelimit.WithWindow(window),
	)
	return &Limiter{store: store, window: window}
}

func NewTestLimiter(store extratelimit.Limiter, window time.Duration) *Limiter {
	return &Limiter{store: store, window: window}
}

func key(userID int64) string {
	return fmt.Sprintf("ratelimit:user:%d", userID)
}

// Allow consumes one request from the user's budget.
func (l *Limiter) Allow(ctx context.Context, userID int64) (bool, error) {
	res, err := l.store.Allow(ctx, key(userID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// RetryAfter is how long a rejected caller should wait before retrying.
func (l *Limiter) RetryAfter() time.Duration {
	return l.window
}
