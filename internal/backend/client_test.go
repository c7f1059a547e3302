package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/snplmntn/skeptek-sub000/internal/config"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL: srv.URL + "/",
		Retry:   retry.Options{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxJitter: -1},
	}, zaptest.NewLogger(t))
}

func TestNilClientIsUnavailable(t *testing.T) {
	var c *Client
	ctx := context.Background()

	_, err := c.Verify(ctx, "https://example.com")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Scrape(ctx, "https://example.com")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Transcript(ctx, "dQw4w9WgXcQ")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.RedditSearch(ctx, "pixel 9")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.MarketDeepDive(ctx, "https://shop.example/p")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, c.Ping(ctx), ErrUnavailable)
	assert.False(t, c.Available())
}

func TestFromConfigDisabled(t *testing.T) {
	c := FromConfig(config.BackendConfig{Enabled: false, URL: "http://x"}, config.RetryConfig{}, zaptest.NewLogger(t))
	assert.Nil(t, c)
	assert.Nil(t, New(Options{BaseURL: "  "}, zaptest.NewLogger(t)))
}

func TestVerify(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/verify", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["url"] == "https://gone.example" {
			_, _ = w.Write([]byte(`{"valid": false, "reason": "HTTP 404"}`))
			return
		}
		_, _ = w.Write([]byte(`{"valid": true}`))
	}))

	res, err := c.Verify(context.Background(), "https://ok.example")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = c.Verify(context.Background(), "https://gone.example")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "HTTP 404", res.Reason)
}

func TestScrapeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://review.example/a?b=1", r.URL.Query().Get("url"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"url": "https://review.example/a?b=1", "html": "<p>hi</p>", "text": "hi"}`))
	}))

	page, err := c.Scrape(context.Background(), "https://review.example/a?b=1")
	require.NoError(t, err)
	assert.Equal(t, "hi", page.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestScrapeNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))

	_, err := c.Scrape(context.Background(), "https://review.example/a")
	require.Error(t, err)
	code, ok := retry.StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTranscript(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcript", r.URL.Path)
		assert.Equal(t, "dQw4w9WgXcQ", r.URL.Query().Get("video_id"))
		_, _ = w.Write([]byte(`{"video_id": "dQw4w9WgXcQ", "transcript": [
			{"text": "battery is great", "start": 1.5, "duration": 2},
			{"text": "  ", "start": 3.5, "duration": 1},
			{"text": "camera is meh", "start": 4.5, "duration": 2}
		]}`))
	}))

	segs, err := c.Transcript(context.Background(), "dQw4w9WgXcQ")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, 1.5, segs[0].Start)
	assert.Equal(t, "battery is great camera is meh", JoinTranscript(segs, 0))
	assert.Equal(t, "battery", JoinTranscript(segs, 7))
}

func TestTools(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tools/reddit_search":
			_, _ = w.Write([]byte(`{"status": "success", "data": [{"title": "Pixel 9 thoughts", "url": "https://www.reddit.com/r/GooglePixel/comments/abc/x/"}]}`))
		case "/tools/market_deep_dive":
			_, _ = w.Write([]byte(`{"status": "success", "data": {"title": "Pixel 9", "price": "$799", "url": "https://shop.example/p", "is_available": true}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	ctx := context.Background()

	threads, err := c.RedditSearch(ctx, "pixel 9")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "Pixel 9 thoughts", threads[0].Title)

	listing, err := c.MarketDeepDive(ctx, "https://shop.example/p")
	require.NoError(t, err)
	assert.Equal(t, "$799", listing.Price)
	assert.True(t, listing.Available)
}

func TestToolErrorStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "error", "message": "blocked"}`))
	}))
	_, err := c.MarketDeepDive(context.Background(), "https://shop.example/p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestTraceparentForwarded(t *testing.T) {
	got := make(chan string, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("traceparent")
		_, _ = w.Write([]byte(`{}`))
	}))

	traceID, _ := oteltrace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := oteltrace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := oteltrace.ContextWithSpanContext(context.Background(), oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: oteltrace.FlagsSampled,
	}))

	require.NoError(t, c.Ping(ctx))
	assert.Contains(t, <-got, "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestBreakerOpensToUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	ctx := context.Background()

	var last error
	for i := 0; i < 10 && !errors.Is(last, ErrUnavailable); i++ {
		_, last = c.Verify(ctx, "https://example.com")
	}
	assert.ErrorIs(t, last, ErrUnavailable)
	assert.False(t, c.Available())
}
