package scouts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
	"github.com/snplmntn/skeptek-sub000/internal/intent"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/util"
	"github.com/snplmntn/skeptek-sub000/internal/verifier"
)

const (
	maxPageRunes = 5000
	maxPageBytes = 2 << 20
)

const reviewExtractPrompt = `Extract a product review from this webpage content:

%s

Return JSON:
{
  "summary": "Brief review summary",
  "pros": ["pro1", "pro2"],
  "cons": ["con1", "con2"],
  "reviewerScore": number (0-10, null if not found)
}`

const reviewSearchPrompt = `Search trusted review sites (Rtings, TheVerge, Wirecutter, CNET) for professional reviews of: %q.

Extract:
1. Summary of the review
2. Pros and Cons
3. Reviewer score (if available)
4. Source URL

Return JSON:
{
  "summary": string,
  "pros": string[],
  "cons": string[],
  "reviewerScore": number | null,
  "source": string,
  "url": string
}`

var reviewSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary":       {Type: genai.TypeString},
		"pros":          {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"cons":          {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"reviewerScore": {Type: genai.TypeNumber, Nullable: genai.Ptr(true)},
	},
	Required: []string{"summary", "pros", "cons"},
}

// Review summarizes professional reviews, either from a page the user
// supplied or by searching trusted review sites.
type Review struct {
	deps Deps
	http *circuitbreaker.HTTPWrapper
}

// NewReview builds the review scout. client is used for direct page fetches.
func NewReview(d Deps, client *http.Client) *Review {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Review{
		deps: d,
		http: circuitbreaker.NewHTTPWrapper(client, "review_page", "web", circuitbreaker.HTTPSettings(), d.logger("review")),
	}
}

// Run scrapes in.Query when it is a URL, otherwise searches for in.Subject().
func (r *Review) Run(ctx context.Context, in Input) Result[*models.ReviewData] {
	logger := r.deps.logger("review")
	return guard("review", logger, func() Result[*models.ReviewData] {
		if q := strings.TrimSpace(in.Query); intent.IsURL(q) {
			return r.fromPage(ctx, q, logger)
		}
		return r.search(ctx, in.Subject(), logger)
	})
}

func (r *Review) fromPage(ctx context.Context, pageURL string, logger *zap.Logger) Result[*models.ReviewData] {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return Missing[*models.ReviewData](KindMalformed, "invalid page URL")
	}

	text, err := r.pageText(ctx, pageURL, logger)
	if err != nil {
		return Failed[*models.ReviewData](err)
	}
	if text == "" {
		return Missing[*models.ReviewData](KindEmpty, "page has no readable text")
	}

	// Page extraction is a single attempt.
	resp, err := generate(ctx, r.deps, "review_extract", retry.Options{MaxRetries: -1}, llm.Request{
		Prompt: fmt.Sprintf(reviewExtractPrompt, text),
		Schema: reviewSchema,
		JSON:   true,
	})
	if err != nil {
		return Failed[*models.ReviewData](err)
	}
	review, err := llm.DecodeObject[models.ReviewData](resp.Text)
	if err != nil {
		return Failed[*models.ReviewData](err)
	}
	review.Source = u.Hostname()
	review.URL = pageURL
	if !review.Usable() {
		return Missing[*models.ReviewData](KindEmpty, "no review on page")
	}
	return Found(review)
}

// pageText prefers the backend's browser and falls back to a direct fetch.
func (r *Review) pageText(ctx context.Context, pageURL string, logger *zap.Logger) (string, error) {
	if r.deps.Backend.Available() {
		page, err := r.deps.Backend.Scrape(ctx, pageURL)
		if err == nil {
			if t := util.Collapse(page.Text, maxPageRunes); t != "" {
				return t, nil
			}
			if page.HTML != "" {
				if t, err := ExtractText(strings.NewReader(page.HTML)); err == nil && t != "" {
					return t, nil
				}
			}
		} else {
			logger.Debug("Backend scrape failed, fetching directly", zap.Error(err))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", verifier.BrowserUA)
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch page: %w", retry.FromResponse(resp))
	}
	return ExtractText(io.LimitReader(resp.Body, maxPageBytes))
}

// ExtractText returns the readable body text of an HTML document without
// scripts, styles or page chrome, whitespace-collapsed and capped.
func ExtractText(html io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(html)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	doc.Find("script, style, nav, footer, header, noscript").Remove()
	return util.Collapse(doc.Find("body").Text(), maxPageRunes), nil
}

func (r *Review) search(ctx context.Context, subject string, logger *zap.Logger) Result[*models.ReviewData] {
	if subject == "" {
		return Missing[*models.ReviewData](KindEmpty, "empty query")
	}
	opts := r.deps.Retry
	opts.MaxRetries = 2

	resp, err := generate(ctx, r.deps, "review_search", opts, llm.Request{
		Prompt:   fmt.Sprintf(reviewSearchPrompt, subject),
		Grounded: true,
	})
	if err != nil {
		return Failed[*models.ReviewData](err)
	}
	review, err := llm.DecodeObject[models.ReviewData](resp.Text)
	if err != nil {
		return Failed[*models.ReviewData](err)
	}
	if !review.Usable() {
		return Missing[*models.ReviewData](KindEmpty, "no professional review found")
	}

	if review.URL == "" || !r.deps.linkAlive(ctx, review.URL) {
		logger.Debug("Review URL failed verification", zap.String("url", review.URL))
		review.URL = verifier.SearchFallback(subject + " review")
	}
	if review.Source == "" {
		if u, err := url.Parse(review.URL); err == nil {
			review.Source = u.Hostname()
		}
	}
	return Found(review)
}

