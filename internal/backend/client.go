// Package backend talks to the scraping and transcript service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
	"github.com/snplmntn/skeptek-sub000/internal/config"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/tracing"
	"github.com/snplmntn/skeptek-sub000/internal/util"
)

// ErrUnavailable is returned by every call when no backend is configured or
// its breaker is open. Callers treat it as empty evidence.
var ErrUnavailable = errors.New("backend unavailable")

const maxResponseBytes = 4 << 20

// Options configures a Client. Zero timeouts take the defaults.
type Options struct {
	BaseURL           string
	VerifyTimeout     time.Duration // 15s
	ScrapeTimeout     time.Duration // 20s
	TranscriptTimeout time.Duration // 20s
	ToolTimeout       time.Duration // 30s
	Retry             retry.Options
	HTTPClient        *http.Client
}

// Client is the backend HTTP client. A nil *Client is valid and unavailable.
type Client struct {
	base   string
	http   *circuitbreaker.HTTPWrapper
	opts   Options
	logger *zap.Logger
}

// New builds a client for opts.BaseURL. An empty base URL yields nil.
func New(opts Options, logger *zap.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 15 * time.Second
	}
	if opts.ScrapeTimeout <= 0 {
		opts.ScrapeTimeout = 20 * time.Second
	}
	if opts.TranscriptTimeout <= 0 {
		opts.TranscriptTimeout = 20 * time.Second
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 30 * time.Second
	}
	logger = logger.With(zap.String("component", "backend"))
	return &Client{
		base:   base,
		http:   circuitbreaker.NewHTTPWrapper(opts.HTTPClient, "backend", "backend", circuitbreaker.BackendSettings(), logger),
		opts:   opts,
		logger: logger,
	}
}

// FromConfig builds a client from service configuration, or nil when disabled.
func FromConfig(cfg config.BackendConfig, rc config.RetryConfig, logger *zap.Logger) *Client {
	if !cfg.Enabled {
		logger.Info("Backend disabled; scraping, transcripts and tools unavailable")
		return nil
	}
	return New(Options{
		BaseURL:           cfg.URL,
		VerifyTimeout:     cfg.VerifyTimeout,
		ScrapeTimeout:     cfg.ScrapeTimeout,
		TranscriptTimeout: cfg.TranscriptTimeout,
		ToolTimeout:       cfg.ToolTimeout,
		Retry: retry.Options{
			MaxRetries: rc.MaxRetries,
			BaseDelay:  rc.BaseDelay,
			MaxDelay:   rc.MaxDelay,
		},
	}, logger)
}

// Available reports whether calls can be attempted at all.
func (c *Client) Available() bool {
	return c != nil && !c.http.IsOpen()
}

// VerifyResult is the backend's link liveness verdict.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verify asks the backend whether rawURL resolves to a live page.
// Verification is a single attempt; its callers have their own fallbacks.
func (c *Client) Verify(ctx context.Context, rawURL string) (*VerifyResult, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var out VerifyResult
	err := c.call(ctx, "verify", http.MethodPost, "/verify", map[string]string{"url": rawURL}, c.opts.VerifyTimeout, false, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Page is a scraped page.
type Page struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
	Text string `json:"text"`
}

// Scrape fetches rawURL through the backend's browser.
func (c *Client) Scrape(ctx context.Context, rawURL string) (*Page, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var out Page
	path := "/scrape?url=" + url.QueryEscape(rawURL)
	if err := c.call(ctx, "scrape", http.MethodGet, path, nil, c.opts.ScrapeTimeout, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Segment is one timed transcript line.
type Segment struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Transcript returns the captions of a YouTube video.
func (c *Client) Transcript(ctx context.Context, videoID string) ([]Segment, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var out struct {
		VideoID    string    `json:"video_id"`
		Transcript []Segment `json:"transcript"`
	}
	path := "/transcript?video_id=" + url.QueryEscape(videoID)
	if err := c.call(ctx, "transcript", http.MethodGet, path, nil, c.opts.TranscriptTimeout, true, &out); err != nil {
		return nil, err
	}
	return out.Transcript, nil
}

// JoinTranscript flattens segments into text of at most maxRunes runes.
func JoinTranscript(segs []Segment, maxRunes int) string {
	var b strings.Builder
	for _, s := range segs {
		t := strings.TrimSpace(s.Text)
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
	}
	return util.Truncate(b.String(), maxRunes)
}

// Thread is a discussion thread found by the backend search tool.
type Thread struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// RedditSearch runs the backend's discussion search tool.
func (c *Client) RedditSearch(ctx context.Context, query string) ([]Thread, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var out []Thread
	if err := c.tool(ctx, "reddit_search", map[string]string{"query": query}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Listing is the result of a product page deep dive.
type Listing struct {
	Title     string `json:"title"`
	Price     string `json:"price"`
	URL       string `json:"url"`
	Available bool   `json:"is_available"`
}

// MarketDeepDive scrapes price and availability from a product page.
func (c *Client) MarketDeepDive(ctx context.Context, productURL string) (*Listing, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var out Listing
	if err := c.tool(ctx, "market_deep_dive", map[string]string{"url": productURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks the backend health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrUnavailable
	}
	return c.call(ctx, "health", http.MethodGet, "/", nil, 5*time.Second, false, nil)
}

type toolEnvelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) tool(ctx context.Context, name string, body any, out any) error {
	var env toolEnvelope
	if err := c.call(ctx, name, http.MethodPost, "/tools/"+name, body, c.opts.ToolTimeout, true, &env); err != nil {
		return err
	}
	if env.Status != "success" {
		return fmt.Errorf("backend tool %s: status %q: %s", name, env.Status, env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("backend tool %s: decode data: %w", name, err)
	}
	return nil
}

// call performs one endpoint request, retried on 429/5xx when retryable is set.
// Each attempt gets its own timeout.
func (c *Client) call(ctx context.Context, endpoint, method, path string, body any, timeout time.Duration, retryable bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("backend %s: encode request: %w", endpoint, err)
		}
	}

	attempt := func(ctx context.Context) error {
		return c.once(ctx, endpoint, method, path, payload, timeout, out)
	}

	start := time.Now()
	var err error
	if retryable {
		opts := c.opts.Retry
		opts.OnRetry = func(ev retry.Event) {
			metrics.RetryAttempts.WithLabelValues("backend_" + endpoint).Inc()
			c.logger.Debug("Retrying backend call",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", ev.Attempt),
				zap.Duration("delay", ev.Delay),
				zap.Error(ev.Err),
			)
		}
		err = retry.Run(ctx, attempt, opts)
	} else {
		err = attempt(ctx)
	}

	status := "ok"
	switch {
	case errors.Is(err, ErrUnavailable):
		status = "unavailable"
	case err != nil:
		status = "error"
	}
	metrics.RecordBackend(endpoint, status, time.Since(start).Seconds())
	return err
}

func (c *Client) once(ctx context.Context, endpoint, method, path string, payload []byte, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.base + path
	ctx, span := tracing.StartHTTPSpan(ctx, method, target)
	defer span.End()

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return fmt.Errorf("backend %s: build request: %w", endpoint, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("backend %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend %s: %w", endpoint, retry.FromResponse(resp))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("backend %s: decode response: %w", endpoint, err)
	}
	return nil
}
