// Package orchestrator runs product analyses: intent, cache, identity,
// evidence fan-out, synthesis, assembly and persistence.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/snplmntn/skeptek-sub000/internal/backend"
	"github.com/snplmntn/skeptek-sub000/internal/cache"
	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/intent"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/scouts"
	"github.com/snplmntn/skeptek-sub000/internal/tracing"
)

// Mode selects how much external research a session does.
type Mode int

const (
	// ModeStandard uses the cache and every scout.
	ModeStandard Mode = iota
	// ModeVerification forces a fresh identity check and skips external
	// research; the human reviewer is the evidence source.
	ModeVerification
)

func (m Mode) String() string {
	if m == ModeVerification {
		return "verification"
	}
	return "standard"
}

// ParseMode accepts "", "standard", "verification" and "review".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return ModeStandard, nil
	case "verification", "review":
		return ModeVerification, nil
	default:
		return ModeStandard, fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, s)
	}
}

// Request is one analysis request.
type Request struct {
	Query string
	Mode  Mode
}

// Outcome is the single terminal value of a session. Exactly one field is set.
type Outcome struct {
	Report     *models.Report     `json:"report,omitempty"`
	Comparison *models.Comparison `json:"comparison,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// Session is a running analysis. Status carries advisory progress lines and
// is closed before Result delivers the one Outcome and closes.
type Session struct {
	ID     string
	Status <-chan string
	Result <-chan Outcome
}

// Scout is any evidence scout.
type Scout[T any] interface {
	Run(ctx context.Context, in scouts.Input) scouts.Result[T]
}

// Scouts are the four evidence scouts.
type Scouts struct {
	Market    Scout[*models.MarketData]
	Community Scout[*models.CommunityData]
	Video     Scout[[]models.Video]
	Review    Scout[*models.ReviewData]
}

// Cache is the result cache. *cache.ResultCache satisfies it.
type Cache interface {
	GetReport(ctx context.Context, query string) (*models.Report, bool)
	GetComparison(ctx context.Context, query string) (*models.Comparison, bool)
	GetIdentification(ctx context.Context, query string) (*models.ImageIdentification, bool)
	Set(ctx context.Context, query, productName, category string, payload any, typ cache.EntryType) error
	GetCommunityReports(ctx context.Context, identity string) []db.FieldReport
}

// Feed receives public feed entries. *db.Client satisfies it.
type Feed interface {
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error))
}

// DeepDiver scrapes a product page for price. *backend.Client satisfies it.
type DeepDiver interface {
	MarketDeepDive(ctx context.Context, productURL string) (*backend.Listing, error)
}

// Deps are the collaborators of an Orchestrator. Cache, Feed and Backend
// may be nil.
type Deps struct {
	Scouts     Scouts
	Model      llm.Client
	Cache      Cache
	Feed       Feed
	Backend    DeepDiver
	Classifier intent.Classifier
	Retry      retry.Options
	Logger     *zap.Logger
	Now        func() time.Time
}

// Options are the tunables of an Orchestrator.
type Options struct {
	// Coalesce lets concurrent identical standard-mode queries share one run.
	Coalesce bool
	// StatusBuffer is the capacity of each session's status channel.
	StatusBuffer int
	// PersistTimeout bounds background cache and feed writes.
	PersistTimeout time.Duration
}

// Orchestrator runs analysis sessions.
type Orchestrator struct {
	scouts     Scouts
	model      llm.Client
	cache      Cache
	feed       Feed
	backend    DeepDiver
	classifier intent.Classifier
	retry      retry.Options
	logger     *zap.Logger
	now        func() time.Time

	statusBuffer   int
	persistTimeout time.Duration
	coalesce       atomic.Bool
	flight         singleflight.Group
	background     sync.WaitGroup
}

// New builds an Orchestrator.
func New(d Deps, opts Options) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Classifier == nil {
		d.Classifier = intent.DelimiterClassifier{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if opts.StatusBuffer <= 0 {
		opts.StatusBuffer = 32
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		scouts:         d.Scouts,
		model:          d.Model,
		cache:          d.Cache,
		feed:           d.Feed,
		backend:        d.Backend,
		classifier:     d.Classifier,
		retry:          d.Retry,
		logger:         d.Logger.Named("orchestrator"),
		now:            d.Now,
		statusBuffer:   opts.StatusBuffer,
		persistTimeout: opts.PersistTimeout,
	}
	o.coalesce.Store(opts.Coalesce)
	return o
}

// SetCoalesce toggles request coalescing at runtime.
func (o *Orchestrator) SetCoalesce(on bool) {
	o.coalesce.Store(on)
	o.logger.Info("Request coalescing updated", zap.Bool("enabled", on))
}

// Wait blocks until background persistence has finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// Analyze starts a session and returns immediately. The pipeline runs until
// ctx ends or the outcome is delivered.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) *Session {
	id := uuid.New().String()
	em := newEmitter(o.statusBuffer)
	logger := o.logger.With(zap.String("session_id", id), zap.String("mode", req.Mode.String()))

	metrics.SessionsActive.Inc()
	go func() {
		defer metrics.SessionsActive.Dec()
		ctx, span := tracing.StartSpan(ctx, "orchestrator.analyze",
			attribute.String("session_id", id),
			attribute.String("mode", req.Mode.String()),
		)
		defer span.End()

		f := o.run(ctx, req, em, logger)
		if f.out.Error != nil {
			span.SetAttributes(attribute.String("error_kind", string(f.out.Error.Kind)))
		}
		em.finish(f.status, f.out)
	}()

	return &Session{ID: id, Status: em.status, Result: em.result}
}

// run applies coalescing around execute.
func (o *Orchestrator) run(ctx context.Context, req Request, em *emitter, logger *zap.Logger) (f finished) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Analysis panicked", zap.Any("panic", r))
			f = o.fail(&FatalError{
				Kind:    KindSynthesis,
				Message: "Unable to complete forensic analysis. Please try again later.",
				Status:  "System Error",
				Err:     fmt.Errorf("panic: %v", r),
			})
		}
	}()

	if !o.coalesce.Load() || req.Mode != ModeStandard {
		return o.execute(ctx, req, em, logger)
	}

	key := cache.Normalize(req.Query)
	led := false
	v, _, _ := o.flight.Do(key, func() (interface{}, error) {
		led = true
		return o.execute(ctx, req, em, logger), nil
	})
	if !led {
		metrics.AnalysesCoalesced.Inc()
		logger.Debug("Joined in-flight analysis", zap.String("key", key))
		em.update("Joined an identical analysis already in progress...")
	}
	return v.(finished)
}

// execute classifies the query and runs the matching flow.
func (o *Orchestrator) execute(ctx context.Context, req Request, em *emitter, logger *zap.Logger) finished {
	start := o.now()
	query := strings.TrimSpace(cache.Sanitize(req.Query))
	if query == "" {
		return o.fail(&FatalError{
			Kind:    KindInvalid,
			Message: "Please enter a product name or link.",
			Status:  "Insufficient Data",
			Err:     ErrInvalidInput,
		})
	}

	kind := models.TypeSingle
	var f finished
	if in := o.classifier.Classify(query); in.Comparison {
		kind = models.TypeComparison
		metrics.AnalysesStarted.WithLabelValues(kind, req.Mode.String()).Inc()
		em.update(fmt.Sprintf("Comparing %d products...", len(in.Items)))
		f = o.compare(ctx, in.Items, req.Mode, em, logger)
	} else {
		metrics.AnalysesStarted.WithLabelValues(kind, req.Mode.String()).Inc()
		f = o.single(ctx, query, req.Mode, em, logger)
	}

	outcome := "ok"
	if f.out.Error != nil {
		outcome = string(f.out.Error.Kind)
	}
	metrics.RecordAnalysis(kind, req.Mode.String(), outcome, o.now().Sub(start).Seconds())
	logger.Info("Analysis finished",
		zap.String("kind", kind),
		zap.String("outcome", outcome),
		zap.Duration("duration", o.now().Sub(start)),
	)
	return f
}

// finished is a flow's terminal value and final status line.
type finished struct {
	out    Outcome
	status string
}

func complete(out Outcome) finished {
	return finished{out: out, status: "Complete"}
}

func (o *Orchestrator) fail(err error) finished {
	return finished{out: Outcome{Error: PayloadFor(err)}, status: finalStatus(err)}
}

// spawn runs fn in the background with its own deadline, detached from
// the session context.
func (o *Orchestrator) spawn(ctx context.Context, name string, fn func(ctx context.Context) error) {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			o.logger.Warn("Background write failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// emitter owns a session's two channels. Only the session goroutine uses it.
type emitter struct {
	status chan string
	result chan Outcome
}

func newEmitter(buffer int) *emitter {
	return &emitter{
		status: make(chan string, buffer),
		result: make(chan Outcome, 1),
	}
}

// update publishes an advisory status line, dropping it when the buffer is full.
func (e *emitter) update(msg string) {
	select {
	case e.status <- msg:
	default:
	}
}

// finish sends the final status, closes Status, then delivers the outcome
// and closes Result.
func (e *emitter) finish(status string, out Outcome) {
	if status != "" {
		e.update(status)
	}
	close(e.status)
	e.result <- out
	close(e.result)
}
