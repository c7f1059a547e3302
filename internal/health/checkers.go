package health

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
)

// slowThreshold marks a responsive dependency as degraded.
const slowThreshold = 250 * time.Millisecond

func newResult(component string, critical bool, start time.Time) CheckResult {
	return CheckResult{Component: component, Critical: critical, Timestamp: start}
}

// pingResult fills r from a ping error and the elapsed latency.
func pingResult(r CheckResult, err error, label string) CheckResult {
	r.LatencyMs = time.Since(r.Timestamp).Milliseconds()
	switch {
	case err != nil:
		r.Status = StatusUnhealthy
		r.Error = err.Error()
		r.Message = label + " ping failed"
	case time.Since(r.Timestamp) > slowThreshold:
		r.Status = StatusDegraded
		r.Message = label + " responding but with high latency"
	default:
		r.Status = StatusHealthy
		r.Message = label + " healthy"
	}
	return r
}

// RedisChecker pings the Redis front tier of the result cache.
type RedisChecker struct {
	wrapper *circuitbreaker.RedisWrapper
}

// NewRedisChecker checks the Redis behind wrapper. Redis is never critical:
// the cache falls back to the database when it is down.
func NewRedisChecker(wrapper *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{wrapper: wrapper}
}

func (c *RedisChecker) Name() string   { return "redis" }
func (c *RedisChecker) Critical() bool { return false }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	r := newResult(c.Name(), false, time.Now())
	if c.wrapper.IsCircuitBreakerOpen() {
		r.Status = StatusUnhealthy
		r.Error = "circuit breaker open"
		r.Message = "Redis circuit breaker is open"
		return r
	}
	return pingResult(r, c.wrapper.Ping(ctx), "Redis")
}

// DatabaseChecker pings the database holding the cache, feed and field reports.
type DatabaseChecker struct {
	wrapper  *circuitbreaker.DatabaseWrapper
	critical bool
}

// NewDatabaseChecker checks the database behind wrapper.
func NewDatabaseChecker(wrapper *circuitbreaker.DatabaseWrapper, critical bool) *DatabaseChecker {
	return &DatabaseChecker{wrapper: wrapper, critical: critical}
}

func (c *DatabaseChecker) Name() string   { return "database" }
func (c *DatabaseChecker) Critical() bool { return c.critical }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	r := newResult(c.Name(), c.critical, time.Now())
	if c.wrapper.IsCircuitBreakerOpen() {
		r.Status = StatusUnhealthy
		r.Error = "circuit breaker open"
		r.Message = "Database circuit breaker is open"
		return r
	}
	r = pingResult(r, c.wrapper.PingContext(ctx), "Database")
	stats := c.wrapper.Stats()
	if r.Status == StatusHealthy && stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		r.Status = StatusDegraded
		r.Message = "Database connection pool exhausted"
	}
	r.Details = map[string]any{
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
		"driver":               c.wrapper.DriverName(),
	}
	return r
}

// Pinger is any dependency with a cheap liveness call.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker wraps a Pinger such as the scraping backend.
type PingChecker struct {
	name     string
	label    string
	pinger   Pinger
	critical bool
}

// NewPingChecker reports name as unhealthy when p.Ping fails.
func NewPingChecker(name, label string, p Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, label: label, pinger: p, critical: critical}
}

func (c *PingChecker) Name() string   { return c.name }
func (c *PingChecker) Critical() bool { return c.critical }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	r := newResult(c.name, c.critical, time.Now())
	return pingResult(r, c.pinger.Ping(ctx), c.label)
}

// BreakerChecker degrades the service while any circuit breaker is open.
type BreakerChecker struct {
	collector *circuitbreaker.MetricsCollector
}

// NewBreakerChecker watches every breaker registered with collector.
func NewBreakerChecker(collector *circuitbreaker.MetricsCollector) *BreakerChecker {
	return &BreakerChecker{collector: collector}
}

func (c *BreakerChecker) Name() string   { return "circuit_breakers" }
func (c *BreakerChecker) Critical() bool { return false }

func (c *BreakerChecker) Check(context.Context) CheckResult {
	r := newResult(c.Name(), false, time.Now())
	open := c.collector.OpenBreakers()
	if len(open) == 0 {
		r.Status = StatusHealthy
		r.Message = "All circuit breakers closed"
		return r
	}
	sort.Strings(open)
	r.Status = StatusDegraded
	r.Message = "Open: " + strings.Join(open, ", ")
	r.Details = map[string]any{"open": open}
	return r
}

// FuncChecker adapts a function into a Checker.
type FuncChecker struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

// NewFuncChecker reports name as unhealthy when fn returns an error.
func NewFuncChecker(name string, critical bool, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, fn: fn}
}

func (c *FuncChecker) Name() string   { return c.name }
func (c *FuncChecker) Critical() bool { return c.critical }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	r := newResult(c.name, c.critical, time.Now())
	return pingResult(r, c.fn(ctx), c.name)
}
