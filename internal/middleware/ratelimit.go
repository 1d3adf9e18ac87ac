package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitMiddleware is a fixed-window counter per caller. Authenticated
// callers are keyed by user id, everyone else by IP. Redis errors fail open.
func RateLimitMiddleware(rdb *redis.Client, limit int, window time.Duration, log *zap.Logger) fiber.Handler {
	if window < time.Second {
		window = time.Second
	}
	return func(c *fiber.Ctx) error {
		caller := c.IP()
		if userID := GetUserID(c); userID != uuid.Nil {
			caller = userID.String()
		}
		key := fmt.Sprintf("rl:%s:%d", caller, time.Now().Unix()/int64(window.Seconds()))

		ctx := c.UserContext()
		pipe := rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
			return c.Next()
		}

		count := incr.Val()
		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit) {
			return ErrorJSON(c, fiber.StatusTooManyRequests, "rate limit exceeded")
		}

		return c.Next()
	}
}
