package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/db"
)

const (
	defaultScanLimit = 20
	maxScanLimit     = 100
	maxCommentRunes  = 2000
)

// handleScans returns the newest public feed entries.
// GET /api/v1/scans?limit=20
func (h *Handler) handleScans(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}
	limit := defaultScanLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxScanLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	scans, err := h.store.RecentScans(ctx, limit)
	if err != nil {
		h.logger.Error("recent scans failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load feed")
		return
	}
	if scans == nil {
		scans = []db.Scan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

// handleTrending returns the top rated products and one to avoid.
// GET /api/v1/scans/trending?category=Phones
func (h *Handler) handleTrending(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "feed unavailable")
		return
	}
	category := strings.TrimSpace(r.URL.Query().Get("category"))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	trending, err := h.store.TrendingScans(ctx, category)
	if err != nil {
		h.logger.Error("trending scans failed", zap.String("category", category), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load trending")
		return
	}
	if trending.Top == nil {
		trending.Top = []db.TrendingProduct{}
	}
	writeJSON(w, http.StatusOK, trending)
}

// fieldReportRequest is the body of POST /api/v1/field-reports.
type fieldReportRequest struct {
	ProductName     string `json:"productName"`
	AgreementRating int    `json:"agreementRating"`
	Verdict         string `json:"verdict,omitempty"`
	Comment         string `json:"comment,omitempty"`
}

func (req fieldReportRequest) validate() error {
	switch {
	case strings.TrimSpace(req.ProductName) == "":
		return errors.New("productName is required")
	case req.AgreementRating < 1 || req.AgreementRating > 5:
		return errors.New("agreementRating must be between 1 and 5")
	case len([]rune(req.Comment)) > maxCommentRunes:
		return errors.New("comment is too long")
	}
	return nil
}

// handleCreateReport stores a user field report for moderation.
func (h *Handler) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "field reports unavailable")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	var req fieldReportRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report := &db.FieldReport{
		ProductName:     strings.TrimSpace(req.ProductName),
		AgreementRating: req.AgreementRating,
		Verdict:         strings.TrimSpace(req.Verdict),
		Comment:         strings.TrimSpace(req.Comment),
		Status:          db.ReportPending,
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.InsertFieldReport(ctx, report); err != nil {
		h.logger.Error("insert field report failed", zap.String("product", report.ProductName), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save report")
		return
	}
	h.logger.Info("Field report received", zap.String("id", report.ID.String()), zap.String("product", report.ProductName))
	writeJSON(w, http.StatusCreated, report)
}

// handleListReports returns approved reports for a product.
// GET /api/v1/field-reports?product=<name>
func (h *Handler) handleListReports(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "field reports unavailable")
		return
	}
	product := strings.TrimSpace(r.URL.Query().Get("product"))
	if product == "" {
		writeError(w, http.StatusBadRequest, "product required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	reports, err := h.store.ApprovedFieldReports(ctx, product, 50)
	if err != nil {
		h.logger.Error("field reports failed", zap.String("product", product), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load reports")
		return
	}
	if reports == nil {
		reports = []db.FieldReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product, "reports": reports})
}

// handleModerateReport approves or rejects a report.
// PATCH /api/v1/field-reports/{id} {"status":"approved"}
func (h *Handler) handleModerateReport(w http.ResponseWriter, r *http.Request) {
	if h.opts.AdminToken == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if !strings.HasPrefix(auth, "Bearer ") || subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "field reports unavailable")
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	err = h.store.SetFieldReportStatus(ctx, id, body.Status)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "report not found")
		return
	case errors.Is(err, db.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	case err != nil:
		h.logger.Error("moderate field report failed", zap.String("id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update report")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": body.Status})
}
