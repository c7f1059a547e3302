package retry

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError is a non-2xx response turned into an error that Do can classify.
type HTTPError struct {
	Status int
	Body   string
	After  time.Duration
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// StatusCode implements StatusCoder.
func (e *HTTPError) StatusCode() int { return e.Status }

// RetryAfter implements RetryAfterer.
func (e *HTTPError) RetryAfter() time.Duration { return e.After }

// FromResponse builds an HTTPError from resp, reading at most 512 bytes of body.
// The caller still owns resp.Body.
func FromResponse(resp *http.Response) *HTTPError {
	var body string
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		body = strings.TrimSpace(string(b))
	}
	return &HTTPError{
		Status: resp.StatusCode,
		Body:   body,
		After:  ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// ParseRetryAfter accepts delta-seconds or an HTTP-date; anything else is 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
