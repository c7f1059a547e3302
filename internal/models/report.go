package models

import (
	"regexp"
	"strconv"
	"strings"
)

// Recommendation values.
type Recommendation string

const (
	RecommendBuy      Recommendation = "BUY"
	RecommendConsider Recommendation = "CONSIDER"
	RecommendAvoid    Recommendation = "AVOID"
)

// Report types.
const (
	TypeSingle     = "single"
	TypeComparison = "comparison"
)

// AudioInsight is a quote lifted from video transcripts or threads.
type AudioInsight struct {
	Quote     string `json:"quote"`
	Timestamp string `json:"timestamp,omitempty"`
	Sentiment string `json:"sentiment"`
	Topic     string `json:"topic"`
	SourceURL string `json:"sourceUrl"`
}

// PriceAnalysis is the price-fairness block.
type PriceAnalysis struct {
	CurrentPrice float64 `json:"currentPrice"`
	FairValueMin float64 `json:"fairValueMin"`
	FairValueMax float64 `json:"fairValueMax"`
	IsFair       bool    `json:"isFair"`
	SourceURL    string  `json:"sourceUrl,omitempty"`
}

// Sources is the evidence attached to a verdict.
type Sources struct {
	Market    *MarketData    `json:"market,omitempty"`
	Community *CommunityData `json:"reddit,omitempty"`
	Video     []Video        `json:"video,omitempty"`
	Review    *ReviewData    `json:"review,omitempty"`
}

// Report is a single-product verdict.
type Report struct {
	Type            string         `json:"type"`
	ProductName     string         `json:"productName"`
	Category        string         `json:"category"`
	Score           float64        `json:"score"`
	Confidence      float64        `json:"confidence"`
	IsLowConfidence bool           `json:"isLowConfidence"`
	Recommendation  Recommendation `json:"recommendation"`
	Verdict         string         `json:"verdict"`
	Pros            []string       `json:"pros"`
	Cons            []string       `json:"cons"`
	AudioInsights   []AudioInsight `json:"audioInsights"`
	PriceAnalysis   *PriceAnalysis `json:"priceAnalysis,omitempty"`
	Sources         *Sources       `json:"sources,omitempty"`
}

// TrustScore is the 0-10 score shown on a comparison card.
type TrustScore struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// ProductDetails is the expanded part of a comparison card.
type ProductDetails struct {
	TrustScore TrustScore     `json:"trustScore"`
	Sentiment  SentimentCount `json:"sentiment"`
	Pros       []string       `json:"pros"`
	Cons       []string       `json:"cons"`
}

// ComparisonProduct is one column of a comparison.
type ComparisonProduct struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Query          string         `json:"query,omitempty"`
	Price          string         `json:"price"`
	Score          float64        `json:"score"`
	IsWinner       bool           `json:"isWinner"`
	Recommendation Recommendation `json:"recommendation"`
	VerdictType    string         `json:"verdictType"`
	Verdict        string         `json:"verdict"`
	Details        ProductDetails `json:"details"`
	Sources        *Sources       `json:"sources,omitempty"`
}

// Difference scores every product on one category, keyed by product ID.
type Difference struct {
	Category string             `json:"category"`
	Scores   map[string]float64 `json:"scores"`
}

// Comparison is an N-way verdict.
type Comparison struct {
	Type        string              `json:"type"`
	Title       string              `json:"title"`
	WinReason   string              `json:"winReason"`
	Products    []ComparisonProduct `json:"products"`
	Differences []Difference        `json:"differences"`
}

// Winners returns the IDs of products flagged as winner.
func (c *Comparison) Winners() []string {
	var ids []string
	for _, p := range c.Products {
		if p.IsWinner {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// ImageIdentification is the result of a visual product scan.
type ImageIdentification struct {
	ProductName    string  `json:"productName"`
	IsScamLikely   bool    `json:"isScamLikely"`
	ScamReason     string  `json:"scamReason,omitempty"`
	CachedAnalysis *Report `json:"cachedAnalysis,omitempty"`
}

var priceNumber = regexp.MustCompile(`[\d,.]+`)

// ParsePrice pulls the first number out of a display price such as
// "$1,299.99" or "~$450". It returns 0 when none is present.
func ParsePrice(s string) float64 {
	m := priceNumber.FindString(s)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}
