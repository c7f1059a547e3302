package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/orchestrator"
	"github.com/snplmntn/skeptek-sub000/internal/streaming"
)

// apiClient talks to the /api/v1 routes of a running service.
type apiClient struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

func newAPIClient(base string, logger *zap.Logger) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{}, logger: logger}
}

// result is a finished analysis as returned by ?wait=true.
type result struct {
	SessionID string `json:"session_id"`
	orchestrator.Outcome
}

type accepted struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
}

func (c *apiClient) postAnalyze(ctx context.Context, query, mode string, wait bool) (*http.Response, error) {
	body, err := json.Marshal(map[string]string{"query": query, "mode": mode})
	if err != nil {
		return nil, err
	}
	target := c.base + "/api/v1/analyze"
	if wait {
		target += "?wait=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.logger.Debug("POST", zap.String("url", target))
	return c.http.Do(req)
}

// Analyze blocks until the service returns the outcome.
func (c *apiClient) Analyze(ctx context.Context, query, mode string) (*result, error) {
	resp, err := c.postAnalyze(ctx, query, mode, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if out.Report == nil && out.Comparison == nil && out.Error == nil {
		return nil, fmt.Errorf("server answered HTTP %d without an outcome", resp.StatusCode)
	}
	return &out, nil
}

// Follow starts an analysis and reports each status line to onStatus
// until the terminal event arrives.
func (c *apiClient) Follow(ctx context.Context, query, mode string, onStatus func(string)) (*result, error) {
	resp, err := c.postAnalyze(ctx, query, mode, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, apiError(resp)
	}
	var acc accepted
	if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+acc.StreamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	stream, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		return nil, apiError(stream)
	}

	sc := bufio.NewScanner(stream.Body)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev streaming.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Debug("Skipping malformed event", zap.Error(err))
			continue
		}
		switch ev.Type {
		case streaming.TypeStatus:
			onStatus(ev.Message)
		case streaming.TypeResult, streaming.TypeError:
			out := result{SessionID: acc.SessionID}
			if err := json.Unmarshal(ev.Data, &out.Outcome); err != nil {
				return nil, fmt.Errorf("decode outcome: %w", err)
			}
			return &out, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream for session %s ended without an outcome", acc.SessionID)
}

// Scans lists the public feed.
func (c *apiClient) Scans(ctx context.Context, limit int) ([]db.Scan, error) {
	target := c.base + "/api/v1/scans?limit=" + url.QueryEscape(fmt.Sprint(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var body struct {
		Scans []db.Scan `json:"scans"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return body.Scans, nil
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if s, ok := body.Error.(string); ok && s != "" {
			if body.Message != "" {
				return fmt.Errorf("HTTP %d: %s: %s", resp.StatusCode, s, body.Message)
			}
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, s)
		}
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
