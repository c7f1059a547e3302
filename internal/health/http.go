package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler provides HTTP endpoints for health checks
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHTTPHandler creates a new HTTP handler for health checks
func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger.Named("health")}
}

// RegisterRoutes registers health check endpoints with an HTTP mux
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

func statusCode(s CheckStatus) int {
	switch s {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

// handleHealth returns overall health status (for general monitoring)
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Last(r.Context())
	h.write(w, statusCode(report.Status), map[string]any{
		"status":    report.Status,
		"ready":     report.Ready,
		"summary":   report.Summary,
		"timestamp": report.Timestamp.Unix(),
	})
}

// handleReadiness fails only when a critical dependency is down.
func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Last(r.Context())
	code := http.StatusOK
	status := "ready"
	if !report.Ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	h.write(w, code, map[string]any{"status": status, "ready": report.Ready, "timestamp": time.Now().Unix()})
}

// handleLiveness answers as long as the process serves HTTP.
func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, map[string]any{"status": "alive", "live": true, "timestamp": time.Now().Unix()})
}

// handleDetailed runs the checks now unless ?cached=true.
func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	var report Report
	if r.URL.Query().Get("cached") == "true" {
		report = h.manager.Last(r.Context())
	} else {
		report = h.manager.Check(r.Context())
	}
	h.write(w, statusCode(report.Status), report)
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
