package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// BurstLimiter caps requests per user in a fixed window shared through Redis.
// It sits in front of the usage guard and only smooths bursts; Redis errors
// let the request through.
type BurstLimiter struct {
	redis   *redis.Client
	limit   int
	window  time.Duration
	prefix  string
	metrics *Metrics
}

func NewBurstLimiter(client *redis.Client, perMinute int, metrics *Metrics) *BurstLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &BurstLimiter{
		redis:   client,
		limit:   perMinute,
		window:  time.Minute,
		prefix:  "chat:burst",
		metrics: metrics,
	}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Allow counts one request for key and reports whether it fits the window.
func (l *BurstLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	count, err := l.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	if count == 1 {
		// First hit opens the window.
		if err := l.redis.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return true, fmt.Errorf("redis error: %w", err)
		}
	}
	return count <= int64(l.limit), nil
}

// Middleware rejects bursts with 429. Requests without a session pass.
func (l *BurstLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		sess, ok := sessionFromContext(c)
		if !ok {
			c.Next()
			return
		}
		allowed, err := l.Allow(c.Request.Context(), sess.UserID)
		if err != nil {
			log.WithField("user", sess.UserID).Warnf("burst limiter unavailable, allowing: %v", err)
			c.Next()
			return
		}
		if !allowed {
			l.metrics.rateLimited()
			c.Header("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests. Please slow down."})
			return
		}
		c.Next()
	}
}
