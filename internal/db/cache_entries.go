package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no live row matches.
var ErrNotFound = errors.New("not found")

// GetCacheEntry returns the entry for key if it has not expired at now.
// Expiry is part of the query so a stale row is never loaded.
func (c *Client) GetCacheEntry(ctx context.Context, key string, now time.Time) (*CacheEntry, error) {
	var entry CacheEntry
	q := c.db.Rebind(`SELECT query_key, product_name, category, data, type, expires_at, created_at
		FROM product_cache
		WHERE query_key = ? AND expires_at > ?`)
	if err := c.db.GetContext(ctx, &entry, q, key, now.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return &entry, nil
}

// UpsertCacheEntry inserts or replaces the entry keyed by QueryKey.
func (c *Client) UpsertCacheEntry(ctx context.Context, e *CacheEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	q := c.db.Rebind(`INSERT INTO product_cache (query_key, product_name, category, data, type, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (query_key) DO UPDATE SET
			product_name = excluded.product_name,
			category = excluded.category,
			data = excluded.data,
			type = excluded.type,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`)
	_, err := c.db.ExecContext(ctx, q,
		e.QueryKey, e.ProductName, e.Category, e.Data, e.Type, e.ExpiresAt.UTC(), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes rows that expired before now. Reads never depend
// on it having run.
func (c *Client) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM product_cache WHERE expires_at <= ?`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return res.RowsAffected()
}

// RunCachePurge deletes expired cache rows every interval until ctx ends.
func (c *Client) RunCachePurge(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.purgeOnce(ctx)
		}
	}
}

func (c *Client) purgeOnce(ctx context.Context) int64 {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := c.PurgeExpiredCache(pctx, c.now())
	if err != nil {
		c.logger.Warn("Cache purge failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		c.logger.Debug("Purged expired cache entries", zap.Int64("count", n))
	}
	return n
}
