// Package httpapi is the HTTP surface of the analysis service.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/orchestrator"
	"github.com/snplmntn/skeptek-sub000/internal/streaming"
	"github.com/snplmntn/skeptek-sub000/internal/util"
)

// Analyzer runs analyses. *orchestrator.Orchestrator satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, req orchestrator.Request) *orchestrator.Session
	IdentifyImage(ctx context.Context, data []byte, mimeType string) (*models.ImageIdentification, error)
}

// FeedStore serves the public feed and field reports. *db.Client satisfies it.
type FeedStore interface {
	RecentScans(ctx context.Context, limit int) ([]db.Scan, error)
	TrendingScans(ctx context.Context, category string) (*db.Trending, error)
	InsertFieldReport(ctx context.Context, r *db.FieldReport) error
	ApprovedFieldReports(ctx context.Context, name string, limit int) ([]db.FieldReport, error)
	SetFieldReportStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Options configure a Handler.
type Options struct {
	// SessionTimeout bounds an analysis started without ?wait=true.
	SessionTimeout time.Duration
	// WaitTimeout bounds an analysis started with ?wait=true.
	WaitTimeout time.Duration
	// Limiter guards the analyze routes when set.
	Limiter *RateLimiter
	// AdminToken enables report moderation with a bearer token.
	AdminToken string
}

// Handler serves the /api/v1 routes.
type Handler struct {
	analyzer Analyzer
	streams  *streaming.Manager
	store    FeedStore
	opts     Options
	logger   *zap.Logger
	pumps    sync.WaitGroup
}

// NewHandler builds a Handler. store may be nil; feed routes then answer 503.
func NewHandler(analyzer Analyzer, streams *streaming.Manager, store FeedStore, opts Options, logger *zap.Logger) *Handler {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 3 * time.Minute
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Minute
	}
	return &Handler{
		analyzer: analyzer,
		streams:  streams,
		store:    store,
		opts:     opts,
		logger:   logger.Named("httpapi"),
	}
}

// RegisterRoutes registers the API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	h.handle(mux, "POST /api/v1/analyze", "analyze", h.limit("analyze", h.handleAnalyze))
	h.handle(mux, "POST /api/v1/analyze/image", "analyze_image", h.limit("analyze_image", h.handleImage))
	h.handle(mux, "GET /api/v1/stream/sse", "stream_sse", h.handleSSE)
	h.handle(mux, "GET /api/v1/stream/ws", "stream_ws", h.handleWS)
	h.handle(mux, "GET /api/v1/scans", "scans", h.handleScans)
	h.handle(mux, "GET /api/v1/scans/trending", "scans_trending", h.handleTrending)
	h.handle(mux, "POST /api/v1/field-reports", "field_reports_create", h.handleCreateReport)
	h.handle(mux, "GET /api/v1/field-reports", "field_reports_list", h.handleListReports)
	h.handle(mux, "PATCH /api/v1/field-reports/{id}", "field_reports_moderate", h.handleModerateReport)
}

// Wait blocks until every stream pump has finished.
func (h *Handler) Wait() {
	h.pumps.Wait()
}

func (h *Handler) limit(route string, next http.HandlerFunc) http.HandlerFunc {
	if h.opts.Limiter == nil {
		return next
	}
	return h.opts.Limiter.Wrap(route, next)
}

// handle registers fn with request metrics under route.
func (h *Handler) handle(mux *http.ServeMux, pattern, route string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// statusWriter records the response code. It forwards Flush and Hijack so
// SSE and WebSocket upgrades keep working.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	return util.Truncate(s, 200)
}
