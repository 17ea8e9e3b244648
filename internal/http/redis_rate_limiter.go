package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisLimiterTimeout = 250 * time.Millisecond

type redisRateLimiter struct {
	client redis.Cmdable
	logger *slog.Logger
	prefix string
}

// NewRedisRateLimiter shares windows across orchestrator replicas through
// client. The caller keeps ownership of client. When Redis is unreachable
// requests are let through.
func NewRedisRateLimiter(client redis.Cmdable, logger *slog.Logger) RateLimiter {
	return &redisRateLimiter{
		client: client,
		logger: logger.With("component", "rate-limiter"),
		prefix: "devflow:ratelimit:",
	}
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisLimiterTimeout)
	defer cancel()

	redisKey := rl.prefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		rl.logger.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		return rateDecision{allowed: true}
	}
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	count := int(incr.Val())
	return rateDecision{
		allowed:   count <= limit,
		count:     count,
		windowEnd: time.Now().Add(remaining),
	}
}

// Close is a no-op; the shared client is closed by its owner.
func (rl *redisRateLimiter) Close() {}
