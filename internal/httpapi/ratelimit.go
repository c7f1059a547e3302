package httpapi

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/metrics"
)

// WindowCounter counts hits in a fixed window.
// *circuitbreaker.RedisWrapper satisfies it.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RateLimiter is a per-client fixed-window limiter backed by Redis. When
// the counter is unreachable requests are let through.
type RateLimiter struct {
	counter WindowCounter
	prefix  string
	limit   atomic.Int64
	window  atomic.Int64
	logger  *zap.Logger
}

// NewRateLimiter allows requests per window for each client and route.
func NewRateLimiter(counter WindowCounter, prefix string, requests int, window time.Duration, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{counter: counter, prefix: prefix, logger: logger.Named("ratelimit")}
	rl.SetLimits(requests, window)
	return rl
}

// SetLimits changes the allowance. Non-positive values are ignored.
func (rl *RateLimiter) SetLimits(requests int, window time.Duration) {
	if requests > 0 {
		rl.limit.Store(int64(requests))
	}
	if window > 0 {
		rl.window.Store(int64(window))
	}
}

// Limits returns the current allowance.
func (rl *RateLimiter) Limits() (int, time.Duration) {
	return int(rl.limit.Load()), time.Duration(rl.window.Load())
}

// Wrap guards next under route.
func (rl *RateLimiter) Wrap(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, window := rl.Limits()
		key := rl.prefix + "ratelimit:" + route + ":" + clientIP(r)

		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		count, ttl, err := rl.counter.IncrWindow(ctx, key, window)
		cancel()
		if err != nil {
			rl.logger.Warn("Rate limiter unavailable, allowing request", zap.String("route", route), zap.Error(err))
			next(w, r)
			return
		}

		remaining := max(int64(limit)-count, 0)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if count <= int64(limit) {
			next(w, r)
			return
		}

		if ttl <= 0 {
			ttl = window
		}
		retryAfter := int(math.Ceil(ttl.Seconds()))
		metrics.RateLimited.WithLabelValues(route).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"title":       "High Demand",
			"message":     "We're experiencing a surge in searches right now. Please wait a moment and try again.",
			"retry_after": retryAfter,
		})
	}
}

// clientIP is the first X-Forwarded-For hop, else the remote host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
