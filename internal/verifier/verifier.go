// Package verifier checks that cited links resolve to live resources.
//
// Every check fails closed: timeouts, transport errors and unexpected
// statuses all mean "invalid".
package verifier

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snplmntn/skeptek-sub000/internal/backend"
	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/ratecontrol"
)

// BrowserUA is sent where sites reject non-browser clients.
const BrowserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const oEmbedEndpoint = "https://www.youtube.com/oembed"

// LinkChecker is the backend verification endpoint. *backend.Client satisfies it.
type LinkChecker interface {
	Verify(ctx context.Context, rawURL string) (*backend.VerifyResult, error)
}

// Linked is anything carrying a URL to verify.
type Linked interface {
	LinkURL() string
}

// Options configures a Verifier.
type Options struct {
	Timeout    time.Duration // per check, 4s
	BatchSize  int           // 5
	Backend    LinkChecker
	Limiter    *ratecontrol.HostLimiter
	HTTPClient *http.Client
	// OEmbedURL overrides the YouTube oEmbed endpoint.
	OEmbedURL string
}

// Verifier runs the link liveness strategies.
type Verifier struct {
	timeout   time.Duration
	batchSize atomic.Int64
	backend   LinkChecker
	limiter   *ratecontrol.HostLimiter
	client    *http.Client
	oembed    *circuitbreaker.HTTPWrapper
	oembedURL string
	logger    *zap.Logger
}

// New builds a Verifier.
func New(opts Options, logger *zap.Logger) *Verifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 4 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			// redirects are followed; a redirect chain ending in 2xx is live
			Timeout: opts.Timeout,
		}
	}
	if opts.OEmbedURL == "" {
		opts.OEmbedURL = oEmbedEndpoint
	}
	logger = logger.With(zap.String("component", "verifier"))
	v := &Verifier{
		timeout:   opts.Timeout,
		backend:   opts.Backend,
		limiter:   opts.Limiter,
		client:    client,
		oembed:    circuitbreaker.NewHTTPWrapper(client, "youtube_oembed", "youtube", circuitbreaker.HTTPSettings(), logger),
		oembedURL: opts.OEmbedURL,
		logger:    logger,
	}
	v.batchSize.Store(int64(opts.BatchSize))
	return v
}

// SetBatchSize changes the concurrent batch width. Values below 1 are ignored.
func (v *Verifier) SetBatchSize(n int) {
	if n >= 1 {
		v.batchSize.Store(int64(n))
	}
}

// BatchSize returns the current batch width.
func (v *Verifier) BatchSize() int { return int(v.batchSize.Load()) }

// Verify reports whether rawURL resolves to a live resource.
func (v *Verifier) Verify(ctx context.Context, rawURL string) bool {
	u, ok := parseHTTP(rawURL)
	if !ok {
		return false
	}

	start := time.Now()
	strategy, valid := v.verify(ctx, u)
	metrics.RecordVerification(strategy, valid, time.Since(start).Seconds())
	if !valid {
		v.logger.Debug("Link failed verification", zap.String("url", u.String()), zap.String("strategy", strategy))
	}
	return valid
}

func (v *Verifier) verify(ctx context.Context, u *url.URL) (string, bool) {
	host := strings.ToLower(u.Hostname())

	if isYouTube(host) {
		return "oembed", v.checkOEmbed(ctx, u.String())
	}

	if v.backend != nil {
		res, err := v.backend.Verify(ctx, u.String())
		if err == nil && res != nil {
			if res.Valid {
				return "backend", true
			}
			if strings.Contains(res.Reason, "404") {
				return "backend", false
			}
		}
	}

	if isRedditThread(host, u.Path) {
		return "reddit_json", v.checkRedditJSON(ctx, u)
	}
	return "http", v.checkGeneric(ctx, u.String())
}

func (v *Verifier) checkOEmbed(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	endpoint := v.oembedURL + "?format=json&url=" + url.QueryEscape(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := v.oembed.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (v *Verifier) checkRedditJSON(ctx context.Context, u *url.URL) bool {
	j := *u
	j.RawQuery = ""
	j.Fragment = ""
	j.Path = strings.TrimSuffix(j.Path, "/") + ".json"

	status, err := v.do(ctx, http.MethodGet, j.String(), nil)
	if err != nil {
		return false
	}
	return status >= 200 && status < 300
}

func (v *Verifier) checkGeneric(ctx context.Context, target string) bool {
	status, err := v.do(ctx, http.MethodHead, target, nil)
	if err == nil {
		switch {
		case status >= 200 && status < 400:
			return true
		case status == http.StatusNotFound || status == http.StatusGone:
			return false
		}
	} else if ctx.Err() != nil {
		return false
	}

	// Some servers reject HEAD; confirm with a tiny ranged GET.
	status, err = v.do(ctx, http.MethodGet, target, map[string]string{"Range": "bytes=0-10"})
	if err != nil {
		return false
	}
	return status >= 200 && status < 300
}

func (v *Verifier) do(ctx context.Context, method, target string, headers map[string]string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if err := v.limiter.Wait(ctx, target); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", BrowserUA)
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// FilterValidLinks verifies items in concurrent batches and returns the
// valid ones in their original order.
func FilterValidLinks[T Linked](ctx context.Context, v *Verifier, items []T) []T {
	if len(items) == 0 {
		return nil
	}
	valid := make([]bool, len(items))
	size := v.BatchSize()

	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				valid[i] = v.Verify(ctx, items[i].LinkURL())
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}

	out := make([]T, 0, len(items))
	for i, ok := range valid {
		if ok {
			out = append(out, items[i])
		}
	}
	return out
}

// SearchFallback is a generic search link used in place of a dead citation.
func SearchFallback(query string) string {
	return "https://www.google.com/search?q=" + url.QueryEscape(strings.TrimSpace(query))
}

func parseHTTP(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return u, true
}

func isYouTube(host string) bool {
	host = strings.TrimPrefix(host, "www.")
	return host == "youtube.com" || strings.HasSuffix(host, ".youtube.com") || host == "youtu.be"
}

func isRedditThread(host, path string) bool {
	return strings.Contains(host, "reddit.com") && strings.Contains(path, "/comments/")
}
