package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a GCRA token bucket kept in Redis and shared by every
// engine replica, so a recipient is limited across the fleet rather than per
// process. Time comes from the Redis server.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedis allows perMinute sends per key with bursts of up to burst.
func NewRedis(client redis.Cmdable, perMinute, burst int) *RedisLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redis_rate.Limit{Rate: perMinute, Burst: burst, Period: time.Minute},
		prefix:  "quote-engine:",
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	res, err := r.limiter.Allow(ctx, r.prefix+key, r.limit)
	if err != nil {
		return false, fmt.Errorf("ratelimit allow: %w", err)
	}
	return res.Allowed > 0, nil
}
