package api

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	maxTrackedLimiters = 10000
	limiterIdleTTL     = 10 * time.Minute
)

// RateLimiter applies a token bucket per caller. Idle buckets expire so the
// set of tracked callers stays bounded.
type RateLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewRateLimiter returns nil when rps is not positive, which disables limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:     rate.Limit(rps),
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedLimiters, nil, limiterIdleTTL),
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
	}
	// Re-adding refreshes the idle expiry.
	rl.limiters.Add(key, limiter)
	return limiter
}

// Allow consumes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// Middleware limits requests by authenticated user, falling back to the
// client address.
func (rl *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if rl == nil {
			return next
		}
		return func(c echo.Context) error {
			key, _ := c.Get(userIDKey).(string)
			if key == "" {
				key = c.RealIP()
			}
			limiter := rl.getLimiter(key)
			if !limiter.Allow() {
				log.WithFields(log.Fields{
					"key":    key,
					"path":   c.Path(),
					"method": c.Request().Method,
				}).Warn("rate limit exceeded")
				requestMetricsFrom(c).SetErrorStage("rate_limit")
				c.Response().Header().Set(echo.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(rl.rate)))
				return errRateLimited
			}
			return next(c)
		}
	}
}

func retryAfterSeconds(r rate.Limit) int {
	if r >= 1 {
		return 1
	}
	return int(1/float64(r)) + 1
}
