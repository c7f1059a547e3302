package db

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InsertScan appends a feed entry. Status is derived from TrustScore when empty.
func (c *Client) InsertScan(ctx context.Context, s *Scan) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = ScanStatus(s.TrustScore)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = c.now()
	}
	q := c.db.Rebind(`INSERT INTO scans (id, product_name, trust_score, verdict, status, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := c.db.ExecContext(ctx, q,
		s.ID, s.ProductName, s.TrustScore, s.Verdict, s.Status, s.Category, s.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// RecentScans returns the newest feed entries.
func (c *Client) RecentScans(ctx context.Context, limit int) ([]Scan, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var scans []Scan
	q := c.db.Rebind(`SELECT id, product_name, trust_score, verdict, status, category, created_at
		FROM scans ORDER BY created_at DESC LIMIT ?`)
	if err := c.db.SelectContext(ctx, &scans, q, limit); err != nil {
		return nil, fmt.Errorf("recent scans: %w", err)
	}
	return scans, nil
}

const (
	trendingWindow   = 7 * 24 * time.Hour
	trendingTop      = 3
	trendingMinScore = 60
	trapMaxScore     = 50
)

// TrendingScans ranks products by average trust score, then by scans in the
// last week. Top holds up to three products averaging at least 60; Trap is
// the most scanned product averaging below 50. An empty category or "All"
// disables the category filter.
func (c *Client) TrendingScans(ctx context.Context, category string) (*Trending, error) {
	args := []any{c.now().Add(-trendingWindow).UTC()}
	where := ""
	if category != "" && !strings.EqualFold(category, "all") {
		where = "WHERE category = ? "
		args = append(args, category)
	}
	base := `SELECT product_name, COALESCE(MAX(category), '') AS category,
		AVG(trust_score) AS avg_score, COUNT(*) AS scan_count,
		SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END) AS recent_count
		FROM scans ` + where + `GROUP BY product_name `

	var top []TrendingProduct
	q := c.db.Rebind(base + `HAVING AVG(trust_score) >= ?
		ORDER BY avg_score DESC, recent_count DESC, product_name LIMIT ?`)
	if err := c.db.SelectContext(ctx, &top, q, slices.Concat(args, []any{trendingMinScore, trendingTop})...); err != nil {
		return nil, fmt.Errorf("trending scans: %w", err)
	}

	var traps []TrendingProduct
	q = c.db.Rebind(base + `HAVING AVG(trust_score) < ?
		ORDER BY recent_count DESC, avg_score ASC, product_name LIMIT 1`)
	if err := c.db.SelectContext(ctx, &traps, q, slices.Concat(args, []any{trapMaxScore})...); err != nil {
		return nil, fmt.Errorf("trending trap: %w", err)
	}

	out := &Trending{Top: make([]TrendingProduct, 0, len(top))}
	for i, p := range top {
		p.Rank = i + 1
		p.TrendLabel = "Stable"
		if p.RecentScans > 2 {
			p.TrendLabel = "Trending"
		}
		out.Top = append(out.Top, decorate(p))
	}
	if len(traps) > 0 {
		trap := decorate(traps[0])
		trap.TrendLabel = "Warning"
		out.Trap = &trap
	}
	return out, nil
}

func decorate(p TrendingProduct) TrendingProduct {
	if p.Category == "" {
		p.Category = "General"
	}
	p.Verdict = ScanStatus(int(math.Round(p.TrustScore)))
	return p
}
