package models

// MarketData is the canonical identity and price anchor found by the market scout.
type MarketData struct {
	Title                string            `json:"title"`
	Price                string            `json:"price"`
	Specs                map[string]string `json:"specs,omitempty"`
	ImageURL             string            `json:"imageUrl,omitempty"`
	ProductURL           string            `json:"productUrl"`
	LaunchDate           string            `json:"launchDate,omitempty"`
	SupersededBy         string            `json:"supersededBy,omitempty"`
	MSRP                 string            `json:"msrp,omitempty"`
	CompetitorPriceRange string            `json:"competitorPriceRange,omitempty"`
	RateLimited          bool              `json:"isRateLimited,omitempty"`
}

// PriceUnknown is the price value used when no price could be confirmed.
const PriceUnknown = "Unknown"

// SentimentCount tallies community sentiment.
type SentimentCount struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

// Link is a cited source.
type Link struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// LinkURL lets Link pass through link verification.
func (l Link) LinkURL() string { return l.URL }

// CommunityData is the discussion-mining result.
type CommunityData struct {
	ThreadTitle       string         `json:"threadTitle"`
	Comments          []string       `json:"comments"`
	SentimentCount    SentimentCount `json:"sentimentCount"`
	Sources           []Link         `json:"sources,omitempty"`
	BotProbability    float64        `json:"botProbability,omitempty"`
	AuthenticityFlags []string       `json:"authenticityFlags,omitempty"`
}

// HasComments reports whether any discussion was found.
func (c *CommunityData) HasComments() bool {
	return c != nil && len(c.Comments) > 0
}

// Video is one verified video review.
type Video struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Thumbnail  string `json:"thumbnail,omitempty"`
	Moment     string `json:"moment,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// LinkURL returns the canonical watch URL used for verification.
func (v Video) LinkURL() string {
	if v.ID != "" {
		return "https://www.youtube.com/watch?v=" + v.ID
	}
	return v.URL
}

// ReviewData is a professional review summary.
type ReviewData struct {
	Summary       string   `json:"summary"`
	Pros          []string `json:"pros"`
	Cons          []string `json:"cons"`
	ReviewerScore *float64 `json:"reviewerScore,omitempty"`
	Source        string   `json:"source"`
	URL           string   `json:"url"`
}

// Usable reports whether the review carries a summary.
func (r *ReviewData) Usable() bool {
	return r != nil && r.Summary != ""
}
