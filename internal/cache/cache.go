// Package cache keeps finished verdicts keyed by normalized query.
//
// The durable layer is the SQL store; an optional Redis layer sits in front
// of it. A Redis key lives exactly as long as the row it mirrors, so an entry
// that has expired is a miss in both layers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/models"
)

// Store is the durable layer.
type Store interface {
	GetCacheEntry(ctx context.Context, key string, now time.Time) (*db.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, e *db.CacheEntry) error
	ApprovedFieldReports(ctx context.Context, name string, limit int) ([]db.FieldReport, error)
}

// Front is the optional fast layer. *circuitbreaker.RedisWrapper satisfies it.
type Front interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// fieldReportLimit bounds community reports attached to one analysis.
const fieldReportLimit = 10

// ResultCache is the result cache used by the orchestrator.
type ResultCache struct {
	store  Store
	front  Front
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithFront enables the Redis layer with keys under prefix.
func WithFront(f Front, prefix string) Option {
	return func(c *ResultCache) {
		c.front = f
		c.prefix = prefix
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

// New builds a cache over store. A nil store makes every lookup a miss.
func New(store Store, logger *zap.Logger, opts ...Option) *ResultCache {
	c := &ResultCache{
		store:  store,
		logger: logger.Named("cache"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ResultCache) frontKey(key string) string {
	return c.prefix + "cache:" + key
}

// GetRaw returns the payload stored under query, if any live entry exists.
// Store failures are logged and reported as a miss.
func (c *ResultCache) GetRaw(ctx context.Context, query string) (json.RawMessage, bool) {
	key := Normalize(query)
	if key == "" {
		return nil, false
	}

	if c.front != nil {
		val, err := c.front.Get(ctx, c.frontKey(key))
		switch {
		case err == nil:
			metrics.CacheRequests.WithLabelValues("redis", "hit").Inc()
			return json.RawMessage(val), true
		case errors.Is(err, redis.Nil):
			metrics.CacheRequests.WithLabelValues("redis", "miss").Inc()
		default:
			metrics.CacheRequests.WithLabelValues("redis", "error").Inc()
			c.logger.Debug("Redis cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	if c.store == nil {
		return nil, false
	}

	now := c.now()
	entry, err := c.store.GetCacheEntry(ctx, key, now)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			metrics.CacheRequests.WithLabelValues("store", "miss").Inc()
		} else {
			metrics.CacheRequests.WithLabelValues("store", "error").Inc()
			c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	metrics.CacheRequests.WithLabelValues("store", "hit").Inc()

	c.fillFront(ctx, key, []byte(entry.Data), entry.ExpiresAt.Sub(now))
	return json.RawMessage(entry.Data), true
}

// GetReport decodes a cached single-product report.
func (c *ResultCache) GetReport(ctx context.Context, query string) (*models.Report, bool) {
	return decode[models.Report](c, ctx, query)
}

// GetComparison decodes a cached comparison.
func (c *ResultCache) GetComparison(ctx context.Context, query string) (*models.Comparison, bool) {
	return decode[models.Comparison](c, ctx, query)
}

// GetIdentification decodes a cached visual identification.
func (c *ResultCache) GetIdentification(ctx context.Context, query string) (*models.ImageIdentification, bool) {
	return decode[models.ImageIdentification](c, ctx, query)
}

func decode[T any](c *ResultCache, ctx context.Context, query string) (*T, bool) {
	raw, ok := c.GetRaw(ctx, query)
	if !ok {
		return nil, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("Discarding undecodable cache entry", zap.String("query", query), zap.Error(err))
		return nil, false
	}
	return &v, true
}

// Set writes payload under query with the lifetime of typ.
func (c *ResultCache) Set(ctx context.Context, query, productName, category string, payload any, typ EntryType) error {
	key := Normalize(query)
	if key == "" {
		return errors.New("cache: empty key")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cache: encode payload: %w", err)
	}

	now := c.now()
	ttl := TTLFor(typ)
	if c.store != nil {
		err = c.store.UpsertCacheEntry(ctx, &db.CacheEntry{
			QueryKey:    key,
			ProductName: productName,
			Category:    category,
			Data:        data,
			Type:        string(typ),
			ExpiresAt:   now.Add(ttl),
			CreatedAt:   now,
		})
		if err != nil {
			metrics.CacheWrites.WithLabelValues(string(typ), "error").Inc()
			return fmt.Errorf("cache: write %q: %w", key, err)
		}
	}
	metrics.CacheWrites.WithLabelValues(string(typ), "ok").Inc()

	c.fillFront(ctx, key, data, ttl)
	c.logger.Debug("Cache entry saved",
		zap.String("key", key),
		zap.String("type", string(typ)),
		zap.Duration("ttl", ttl),
	)
	return nil
}

func (c *ResultCache) fillFront(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if c.front == nil || ttl <= 0 {
		return
	}
	if err := c.front.Set(ctx, c.frontKey(key), string(data), ttl); err != nil {
		c.logger.Debug("Redis cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// GetCommunityReports returns approved first-party reports for identity.
// Failures degrade to an empty list.
func (c *ResultCache) GetCommunityReports(ctx context.Context, identity string) []db.FieldReport {
	if c.store == nil || identity == "" {
		return nil
	}
	reports, err := c.store.ApprovedFieldReports(ctx, identity, fieldReportLimit)
	if err != nil {
		c.logger.Warn("Failed to fetch field reports", zap.String("product", identity), zap.Error(err))
		return nil
	}
	return reports
}
