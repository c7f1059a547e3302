// Package retry wraps fallible remote calls with exponential backoff.
//
// Only rate-limit and server-error failures are retried. Everything else is
// returned on the first attempt, and the last error is always returned as is.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// DefaultRetryableStatuses are the HTTP statuses retried when Options leaves
// RetryableStatuses empty.
var DefaultRetryableStatuses = []int{429, 500, 502, 503, 504}

// rateLimitSignatures mark a rate-limit failure when no status is available.
var rateLimitSignatures = []string{"429", "resource exhausted", "quota exceeded", "rate limit"}

// StatusCoder is implemented by errors that carry an HTTP-like status.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors that carry a server retry hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Event describes one scheduled retry.
type Event struct {
	Attempt int           // 1-based retry number
	Backoff time.Duration // pre-jitter exponential bound
	Delay   time.Duration // actual sleep
	Err     error
}

// Options configures Do. Zero values take the defaults noted per field.
type Options struct {
	MaxRetries        int           // 3
	BaseDelay         time.Duration // 1s
	MaxDelay          time.Duration // 30s
	MaxJitter         time.Duration // 1s; negative disables jitter
	RetryableStatuses []int         // DefaultRetryableStatuses
	OnRetry           func(Event)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxJitter == 0 {
		o.MaxJitter = time.Second
	}
	if len(o.RetryableStatuses) == 0 {
		o.RetryableStatuses = DefaultRetryableStatuses
	}
	return o
}

// sleep is swapped in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// MaxRetries retries have been spent.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= opts.MaxRetries || !IsRetryable(err, opts.RetryableStatuses) {
			return zero, err
		}

		backoff := Backoff(attempt, opts.BaseDelay, opts.MaxDelay)
		delay := backoff
		if hint, ok := retryAfterOf(err); ok {
			delay = hint
		} else {
			delay = min(backoff+jitter(opts.MaxJitter), opts.MaxDelay)
		}

		if opts.OnRetry != nil {
			opts.OnRetry(Event{Attempt: attempt + 1, Backoff: backoff, Delay: delay, Err: err})
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	_, err := Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts)
	return err
}

// Backoff returns min(base * 2^attempt, max) for a 0-based attempt.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	d := base << attempt
	if d <= 0 || d > max {
		return max
	}
	return d
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// IsRetryable reports whether err is a rate-limit or retryable server failure.
func IsRetryable(err error, statuses []int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRateLimit(err) {
		return true
	}
	if code, ok := StatusOf(err); ok {
		for _, s := range statuses {
			if s == code {
				return true
			}
		}
	}
	return false
}

// IsRateLimit reports a 429 status or a rate-limit message signature.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := StatusOf(err); ok && code == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// StatusOf extracts a status code from anywhere in err's chain.
func StatusOf(err error) (int, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode(), true
	}
	return 0, false
}

func retryAfterOf(err error) (time.Duration, bool) {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}
