package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulsar-assistant/internal/domain"
	"pulsar-assistant/internal/logging"
	"pulsar-assistant/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	identityKey       = "identity"
	rateKeyPrefix     = "assistant:rate:"
)

// correlate tags the request with a correlation id (taken from the request
// or generated), echoes it on the response and logs the outcome.
func correlate(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(correlationHeader, id)
		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), logger)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if who, ok := identityFrom(c); ok {
			fields = append(fields, zap.String("user_id", who.UserID))
		}
		logging.FromContext(ctx, logger).Info("request served", fields...)
	}
}

func requireIdentity(accounts AccountUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: string(usecase.ErrorUnauthorized), Reason: "missing_token"})
			return
		}
		id, err := accounts.Verify(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: string(usecase.ErrorUnauthorized), Reason: "invalid_token"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return domain.Identity{}, false
	}
	id, ok := v.(domain.Identity)
	return id, ok
}

// Scripter is the subset of *redis.Client used by the rate limiter.
type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// tokenBucketScript refills a bucket of capacity tokens at rate per second
// and takes one. It returns {allowed, remaining, retry_after_seconds}.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'updated_at')
local tokens = tonumber(bucket[1])
local updated_at = tonumber(bucket[2])
if tokens == nil or updated_at == nil then
    tokens = capacity
    updated_at = now
end

tokens = math.min(capacity, tokens + math.max(0, now - updated_at) * rate)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    retry_after = (1 - tokens) / rate
end

redis.call('HMSET', key, 'tokens', tokens, 'updated_at', now)
redis.call('EXPIRE', key, 3600)
return {allowed, math.floor(tokens), math.ceil(retry_after)}
`

// rateLimit admits bursts of 2*qps per client IP. Redis failures let the
// request through.
func rateLimit(client Scripter, qps int, logger *zap.Logger) gin.HandlerFunc {
	capacity := 2 * qps
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		now := float64(time.Now().UnixNano()) / 1e9
		res, err := client.Eval(ctx, tokenBucketScript, []string{rateKeyPrefix + c.ClientIP()}, capacity, qps, now).Result()
		if err != nil {
			logging.FromContext(ctx, logger).Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		allowed, remaining, retryAfter := int64(1), int64(capacity), int64(0)
		if arr, ok := res.([]interface{}); ok && len(arr) >= 3 {
			allowed, _ = arr[0].(int64)
			remaining, _ = arr[1].(int64)
			retryAfter, _ = arr[2].(int64)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(capacity))
		if allowed == 0 {
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "RATE_LIMITED", Reason: "too_many_requests"})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Next()
	}
}
