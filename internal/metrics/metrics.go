package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Analysis metrics
	AnalysesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_analyses_started_total",
			Help: "Total number of analyses started",
		},
		[]string{"kind", "mode"},
	)

	AnalysesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_analyses_completed_total",
			Help: "Total number of analyses completed",
		},
		[]string{"kind", "mode", "status"},
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skeptek_analysis_duration_seconds",
			Help:    "End-to-end analysis duration in seconds",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 240},
		},
		[]string{"kind", "mode"},
	)

	AnalysesCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skeptek_analyses_coalesced_total",
			Help: "Analyses served by joining an identical in-flight analysis",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skeptek_sessions_active",
			Help: "Analysis sessions currently running",
		},
	)

	// Scout metrics
	ScoutRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_scout_runs_total",
			Help: "Scout executions by outcome",
		},
		[]string{"scout", "outcome"},
	)

	ScoutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skeptek_scout_duration_seconds",
			Help:    "Scout execution duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"scout"},
	)

	// Cache metrics
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_cache_requests_total",
			Help: "Result cache lookups by layer and outcome",
		},
		[]string{"layer", "outcome"},
	)

	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_cache_writes_total",
			Help: "Result cache writes by entry type and status",
		},
		[]string{"type", "status"},
	)

	// Verification metrics
	LinkVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_link_verifications_total",
			Help: "Link verifications by deciding strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	LinkVerificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skeptek_link_verification_seconds",
			Help:    "Link verification latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
		[]string{"strategy"},
	)

	// Model metrics
	ModelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_model_requests_total",
			Help: "Generative model calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	ModelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skeptek_model_latency_seconds",
			Help:    "Generative model call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 90},
		},
		[]string{"operation"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_retry_attempts_total",
			Help: "Retries scheduled by the resilient call wrapper",
		},
		[]string{"operation"},
	)

	// Backend metrics
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_backend_requests_total",
			Help: "Scraping backend calls by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skeptek_backend_latency_seconds",
			Help:    "Scraping backend latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Persistence metrics
	FeedWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_feed_writes_total",
			Help: "Scans feed writes by outcome (written, skipped, failed)",
		},
		[]string{"outcome"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skeptek_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skeptek_rate_limited_total",
			Help: "Requests rejected by the API rate limiter",
		},
		[]string{"route"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skeptek_stream_subscribers",
			Help: "Connected session stream subscribers by transport",
		},
		[]string{"transport"},
	)

	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skeptek_stream_events_dropped_total",
			Help: "Session events dropped for slow subscribers",
		},
	)
)

// RecordAnalysis records the completion of one analysis.
func RecordAnalysis(kind, mode, status string, durationSeconds float64) {
	AnalysesCompleted.WithLabelValues(kind, mode, status).Inc()
	AnalysisDuration.WithLabelValues(kind, mode).Observe(durationSeconds)
}

// RecordScout records one scout run.
func RecordScout(scout, outcome string, durationSeconds float64) {
	ScoutRuns.WithLabelValues(scout, outcome).Inc()
	ScoutDuration.WithLabelValues(scout).Observe(durationSeconds)
}

// RecordVerification records one link check.
func RecordVerification(strategy string, valid bool, durationSeconds float64) {
	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	LinkVerifications.WithLabelValues(strategy, outcome).Inc()
	LinkVerificationDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

// RecordModel records one generative model call.
func RecordModel(operation, status string, durationSeconds float64) {
	ModelRequests.WithLabelValues(operation, status).Inc()
	ModelLatency.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordBackend records one backend call.
func RecordBackend(endpoint, status string, durationSeconds float64) {
	BackendRequests.WithLabelValues(endpoint, status).Inc()
	BackendLatency.WithLabelValues(endpoint).Observe(durationSeconds)
}
