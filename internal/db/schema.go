package db

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS product_cache (
		query_key    TEXT PRIMARY KEY,
		product_name TEXT NOT NULL DEFAULT '',
		category     TEXT NOT NULL DEFAULT '',
		data         JSONB NOT NULL,
		type         TEXT NOT NULL DEFAULT 'text',
		expires_at   TIMESTAMPTZ NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_product_cache_expires_at ON product_cache (expires_at)`,
	`CREATE TABLE IF NOT EXISTS scans (
		id           UUID PRIMARY KEY,
		product_name TEXT NOT NULL,
		trust_score  INTEGER NOT NULL,
		verdict      TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		category     TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS field_reports (
		id               UUID PRIMARY KEY,
		product_name     TEXT NOT NULL,
		agreement_rating INTEGER NOT NULL DEFAULT 0,
		verdict          TEXT NOT NULL DEFAULT '',
		comment          TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'pending',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_field_reports_status_created ON field_reports (status, created_at DESC)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS product_cache (
		query_key    TEXT PRIMARY KEY,
		product_name TEXT NOT NULL DEFAULT '',
		category     TEXT NOT NULL DEFAULT '',
		data         TEXT NOT NULL,
		type         TEXT NOT NULL DEFAULT 'text',
		expires_at   DATETIME NOT NULL,
		created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_product_cache_expires_at ON product_cache (expires_at)`,
	`CREATE TABLE IF NOT EXISTS scans (
		id           TEXT PRIMARY KEY,
		product_name TEXT NOT NULL,
		trust_score  INTEGER NOT NULL,
		verdict      TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		category     TEXT NOT NULL DEFAULT '',
		created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scans_created_at ON scans (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS field_reports (
		id               TEXT PRIMARY KEY,
		product_name     TEXT NOT NULL,
		agreement_rating INTEGER NOT NULL DEFAULT 0,
		verdict          TEXT NOT NULL DEFAULT '',
		comment          TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'pending',
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_field_reports_status_created ON field_reports (status, created_at DESC)`,
}

// Migrate creates the tables when missing. It is idempotent.
func (c *Client) Migrate(ctx context.Context) error {
	stmts := postgresSchema
	if c.db.DriverName() == "sqlite3" {
		stmts = sqliteSchema
	}
	for i, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
