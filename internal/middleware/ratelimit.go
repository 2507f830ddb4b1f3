package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitAlgorithm selects the limiter algorithm
type RateLimitAlgorithm string

const (
	TokenBucket RateLimitAlgorithm = "token_bucket"
	FixedWindow RateLimitAlgorithm = "fixed_window"
)

// RateLimitType selects what a limit is keyed on
type RateLimitType string

const (
	RateLimitByIP       RateLimitType = "ip"
	RateLimitByVendor   RateLimitType = "vendor"
	RateLimitByEndpoint RateLimitType = "endpoint"
)

// RateLimitConfig is one limiter rule
type RateLimitConfig struct {
	Limit     int // requests per window
	Window    int // window length in seconds
	Algorithm RateLimitAlgorithm
	Type      RateLimitType
	KeyFunc   func(*gin.Context) string // optional, overrides Type
}

// RateLimiter decides whether a request under key may proceed
type RateLimiter interface {
	Allow(ctx context.Context, key string, config *RateLimitConfig) (*RateLimitResult, error)
}

// RateLimitResult is the limiter's decision
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   int64 // unix seconds
	Limit     int
}

var tokenBucketScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_update')
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(bucket[1]) or capacity
local last = tonumber(bucket[2]) or now
tokens = math.min(capacity, tokens + (now - last) * rate)

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_update', now)
redis.call('EXPIRE', KEYS[1], math.ceil(capacity / rate) + 1)
return {allowed, math.floor(tokens), capacity}
`)

var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
local limit = tonumber(ARGV[1])
if current > limit then
	return {0, 0, limit}
end
return {1, limit - current, limit}
`)

// RedisRateLimiter is a limiter shared by every instance through Redis
type RedisRateLimiter struct {
	redis redis.Scripter
	now   func() time.Time
}

// NewRedisRateLimiter creates a Redis-backed limiter
func NewRedisRateLimiter(rdb redis.Scripter) *RedisRateLimiter {
	return &RedisRateLimiter{redis: rdb, now: time.Now}
}

// Allow checks whether the request under key may proceed
func (r *RedisRateLimiter) Allow(ctx context.Context, key string, config *RateLimitConfig) (*RateLimitResult, error) {
	if config.Algorithm == FixedWindow {
		return r.fixedWindow(ctx, key, config)
	}
	return r.tokenBucket(ctx, key, config)
}

func (r *RedisRateLimiter) tokenBucket(ctx context.Context, key string, config *RateLimitConfig) (*RateLimitResult, error) {
	now := r.now().Unix()
	ratePerSecond := float64(config.Limit) / float64(config.Window)
	res, err := tokenBucketScript.Run(ctx, r.redis, []string{"ratelimit:token:" + key},
		config.Limit, ratePerSecond, now).Int64Slice()
	if err != nil {
		return nil, err
	}
	return &RateLimitResult{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   now + int64(config.Window),
		Limit:     int(res[2]),
	}, nil
}

func (r *RedisRateLimiter) fixedWindow(ctx context.Context, key string, config *RateLimitConfig) (*RateLimitResult, error) {
	now := r.now().Unix()
	window := now / int64(config.Window)
	windowKey := fmt.Sprintf("ratelimit:fixed:%s:%d", key, window)
	res, err := fixedWindowScript.Run(ctx, r.redis, []string{windowKey}, config.Limit, config.Window+1).Int64Slice()
	if err != nil {
		return nil, err
	}
	return &RateLimitResult{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   (window + 1) * int64(config.Window),
		Limit:     int(res[2]),
	}, nil
}

// RateLimitMiddleware applies one rule to a route group
type RateLimitMiddleware struct {
	limiter RateLimiter
	config  *RateLimitConfig
}

// NewRateLimitMiddleware creates the middleware
func NewRateLimitMiddleware(limiter RateLimiter, config *RateLimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter, config: config}
}

// Middleware returns the gin handler. Limiter errors let the request through.
func (m *RateLimitMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := m.limiter.Allow(c.Request.Context(), m.key(c), m.config)
		if err != nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": result.ResetAt - time.Now().Unix(),
			})
			return
		}
		c.Next()
	}
}

func (m *RateLimitMiddleware) key(c *gin.Context) string {
	if m.config.KeyFunc != nil {
		return m.config.KeyFunc(c)
	}
	switch m.config.Type {
	case RateLimitByVendor:
		if vendorID := c.Param("vendor_id"); vendorID != "" {
			return "vendor:" + vendorID
		}
		return "ip:" + c.ClientIP()
	case RateLimitByEndpoint:
		return fmt.Sprintf("endpoint:%s:%s", c.Request.Method, c.FullPath())
	default:
		return "ip:" + c.ClientIP()
	}
}
