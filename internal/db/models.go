package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// CacheEntry is one row of product_cache. QueryKey is the normalized query.
type CacheEntry struct {
	QueryKey    string         `db:"query_key"`
	ProductName string         `db:"product_name"`
	Category    string         `db:"category"`
	Data        types.JSONText `db:"data"`
	Type        string         `db:"type"`
	ExpiresAt   time.Time      `db:"expires_at"`
	CreatedAt   time.Time      `db:"created_at"`
}

// Scan is a public feed entry.
type Scan struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ProductName string    `db:"product_name" json:"productName"`
	TrustScore  int       `db:"trust_score" json:"trustScore"`
	Verdict     string    `db:"verdict" json:"verdict"`
	Status      string    `db:"status" json:"status"`
	Category    string    `db:"category" json:"category"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Scan status values.
const (
	ScanVerified = "verified"
	ScanCaution  = "caution"
	ScanRejected = "rejected"
)

// ScanStatus maps a trust score onto the feed status.
func ScanStatus(score int) string {
	switch {
	case score >= 80:
		return ScanVerified
	case score >= 50:
		return ScanCaution
	default:
		return ScanRejected
	}
}

// TrendingProduct aggregates one product's feed entries.
type TrendingProduct struct {
	ProductName string  `db:"product_name" json:"productName"`
	Category    string  `db:"category" json:"category"`
	TrustScore  float64 `db:"avg_score" json:"trustScore"`
	Scans       int     `db:"scan_count" json:"scans"`
	RecentScans int     `db:"recent_count" json:"recentScans"`
	Rank        int     `db:"-" json:"rank"`
	Verdict     string  `db:"-" json:"verdict"`
	TrendLabel  string  `db:"-" json:"trendLabel"`
}

// Trending is the discovery view of the feed: the best rated products and
// one low-scoring product to warn about.
type Trending struct {
	Top  []TrendingProduct `json:"top"`
	Trap *TrendingProduct  `json:"trap"`
}

// FieldReport is a first-party user report about a product.
type FieldReport struct {
	ID              uuid.UUID `db:"id" json:"id"`
	ProductName     string    `db:"product_name" json:"productName"`
	AgreementRating int       `db:"agreement_rating" json:"agreementRating"`
	Verdict         string    `db:"verdict" json:"verdict,omitempty"`
	Comment         string    `db:"comment" json:"comment,omitempty"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
}

// Field report moderation states.
const (
	ReportPending  = "pending"
	ReportApproved = "approved"
	ReportRejected = "rejected"
)
