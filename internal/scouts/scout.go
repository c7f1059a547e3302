// Package scouts gathers one category of evidence each.
//
// A scout never fails its caller: every outcome, including a panic inside
// the scout, is reported as a Result.
package scouts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/backend"
	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/verifier"
)

// ErrorKind says why a Result is absent.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindEmpty
	KindTransport
	KindRateLimited
	KindMalformed
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEmpty:
		return "empty"
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	case KindUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one scout run. Payload is the zero value
// unless Present is set, except for a rate-limited market identity.
type Result[T any] struct {
	Present bool
	Payload T
	Hint    ErrorKind
	Detail  string
}

// Found wraps a present payload.
func Found[T any](p T) Result[T] {
	return Result[T]{Present: true, Payload: p}
}

// Missing reports an absent payload.
func Missing[T any](kind ErrorKind, detail string) Result[T] {
	return Result[T]{Hint: kind, Detail: detail}
}

// Failed converts err into an absent Result.
func Failed[T any](err error) Result[T] {
	return Missing[T](Classify(err), err.Error())
}

// Input is what every scout receives.
type Input struct {
	Query string
	// Canonical is the identity found by the market scout, when known.
	Canonical string
}

// Subject is the string to search for, preferring the canonical name.
func (in Input) Subject() string {
	if c := strings.TrimSpace(in.Canonical); c != "" {
		return c
	}
	return strings.TrimSpace(in.Query)
}

// Deps are the collaborators shared by the scouts.
type Deps struct {
	Model    llm.Client
	Verifier *verifier.Verifier
	Backend  *backend.Client
	Retry    retry.Options
	Logger   *zap.Logger
}

func (d Deps) logger(name string) *zap.Logger {
	l := d.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(zap.String("scout", name))
}

// Classify maps an error to an ErrorKind.
func Classify(err error) ErrorKind {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case err == nil:
		return KindNone
	case retry.IsRateLimit(err):
		return KindRateLimited
	case errors.Is(err, llm.ErrNoJSON), errors.Is(err, llm.ErrEmptyResponse),
		errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindMalformed
	case errors.Is(err, backend.ErrUnavailable), errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		return KindUnavailable
	default:
		return KindTransport
	}
}

// guard runs fn, converting a panic into a transport failure and
// recording the run.
func guard[T any](name string, logger *zap.Logger, fn func() Result[T]) (res Result[T]) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Scout panicked", zap.Any("panic", r))
			res = Missing[T](KindTransport, fmt.Sprintf("panic: %v", r))
		}
		outcome := "found"
		if !res.Present {
			outcome = res.Hint.String()
		}
		metrics.RecordScout(name, outcome, time.Since(start).Seconds())
		if !res.Present && res.Hint != KindEmpty {
			logger.Warn("Scout came back empty-handed",
				zap.String("kind", res.Hint.String()),
				zap.String("detail", res.Detail),
			)
		}
	}()
	return fn()
}

// generate calls the model with retries.
func generate(ctx context.Context, d Deps, name string, opts retry.Options, req llm.Request) (*llm.Response, error) {
	if d.Model == nil {
		return nil, fmt.Errorf("%s: %w", name, backend.ErrUnavailable)
	}
	logger := d.logger(name)
	req.Operation = name
	opts.OnRetry = func(ev retry.Event) {
		metrics.RetryAttempts.WithLabelValues(name).Inc()
		logger.Warn("Retrying model call",
			zap.Int("attempt", ev.Attempt),
			zap.Duration("delay", ev.Delay),
			zap.Error(ev.Err),
		)
	}
	return retry.Do(ctx, func(ctx context.Context) (*llm.Response, error) {
		return d.Model.Generate(ctx, req)
	}, opts)
}
