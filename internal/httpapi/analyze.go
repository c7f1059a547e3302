package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/orchestrator"
	"github.com/snplmntn/skeptek-sub000/internal/util"
)

// analyzeRequest is the body of POST /api/v1/analyze.
type analyzeRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode,omitempty"`
}

type analyzeAccepted struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
	SocketURL string `json:"socket_url"`
}

// handleAnalyze starts an analysis. By default it returns 202 with the
// session stream; with ?wait=true it blocks and returns the outcome.
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req analyzeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Debug("analyze decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	mode, err := orchestrator.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	}
	oreq := orchestrator.Request{Query: req.Query, Mode: mode}

	if strings.EqualFold(r.URL.Query().Get("wait"), "true") {
		h.analyzeAndWait(w, r, oreq)
		return
	}

	// The session outlives this request; subscribers attach by session ID.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.opts.SessionTimeout)
	s := h.analyzer.Analyze(ctx, oreq)
	h.streams.Open(s.ID)
	h.pumps.Add(1)
	go func() {
		defer h.pumps.Done()
		defer cancel()
		h.streams.Pump(s)
	}()

	h.logger.Info("Analysis accepted", zap.String("session_id", s.ID), zap.String("mode", mode.String()),
		zap.String("query", util.TruncateString(req.Query, 80, true)))
	id := url.QueryEscape(s.ID)
	writeJSON(w, http.StatusAccepted, analyzeAccepted{
		SessionID: s.ID,
		StreamURL: "/api/v1/stream/sse?session_id=" + id,
		SocketURL: "/api/v1/stream/ws?session_id=" + id,
	})
}

func (h *Handler) analyzeAndWait(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.WaitTimeout)
	defer cancel()

	s := h.analyzer.Analyze(ctx, req)
	for range s.Status {
	}
	out, ok := <-s.Result
	if !ok {
		writeError(w, http.StatusInternalServerError, "analysis ended without a result")
		return
	}
	status := http.StatusOK
	if out.Error != nil {
		status = statusForKind(out.Error.Kind)
	}
	writeJSON(w, status, struct {
		SessionID string `json:"session_id"`
		orchestrator.Outcome
	}{s.ID, out})
}

// statusForKind maps a fatal error kind onto an HTTP status.
func statusForKind(kind orchestrator.ErrorKind) int {
	switch kind {
	case orchestrator.KindInvalid:
		return http.StatusBadRequest
	case orchestrator.KindIdentity, orchestrator.KindBotBlocked, orchestrator.KindComparison:
		return http.StatusUnprocessableEntity
	case orchestrator.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// handleImage identifies the product in an uploaded photo (multipart field "image").
func (h *Handler) handleImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, orchestrator.MaxImageBytes+(1<<20))
	if err := r.ParseMultipartForm(orchestrator.MaxImageBytes + (1 << 20)); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large. Max 5MB.")
			return
		}
		writeError(w, http.StatusBadRequest, "No image file provided")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	var data []byte
	var mimeType string
	if f, hdr, err := r.FormFile("image"); err == nil {
		data, err = io.ReadAll(io.LimitReader(f, orchestrator.MaxImageBytes+1))
		_ = f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		mimeType = hdr.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}
	}

	id, err := h.analyzer.IdentifyImage(r.Context(), data, mimeType)
	if err != nil {
		p := orchestrator.PayloadFor(err)
		status := statusForKind(p.Kind)
		if p.Kind == orchestrator.KindInvalid && len(data) > orchestrator.MaxImageBytes {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]any{"error": p})
		return
	}
	writeJSON(w, http.StatusOK, id)
}
