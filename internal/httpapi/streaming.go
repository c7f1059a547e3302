package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/streaming"
)

const heartbeatInterval = 15 * time.Second

// streamParams are the query options shared by SSE and WebSocket streams.
type streamParams struct {
	sessionID  string
	typeFilter map[string]struct{}
	lastID     uint64
}

func (p streamParams) wants(ev streaming.Event) bool {
	if len(p.typeFilter) == 0 {
		return true
	}
	_, ok := p.typeFilter[ev.Type]
	return ok
}

// parseStreamParams reads session_id, the optional types filter and the
// replay point from Last-Event-ID or last_event_id.
func parseStreamParams(r *http.Request) streamParams {
	q := r.URL.Query()
	p := streamParams{sessionID: q.Get("session_id"), typeFilter: map[string]struct{}{}}
	if s := q.Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.typeFilter[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if s := q.Get("last_event_id"); s != "" && p.lastID == 0 {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			p.lastID = n
		}
	}
	return p
}

// handleSSE streams session events via Server-Sent Events. The stream ends
// after the result or error event.
// GET /api/v1/stream/sse?session_id=<id>
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)
	if p.sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	if !h.streams.Known(p.sessionID) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.streams.Subscribe(p.sessionID, 256)
	defer h.streams.Unsubscribe(p.sessionID, ch)
	metrics.StreamSubscribers.WithLabelValues("sse").Inc()
	defer metrics.StreamSubscribers.WithLabelValues("sse").Dec()

	fmt.Fprintf(w, ": connected to session %s\n\n", p.sessionID)
	flusher.Flush()

	// Replay everything after lastID; events published between Subscribe
	// and the replay are skipped by sequence on the live path.
	sent := p.lastID
	for _, ev := range h.streams.ReplaySince(p.sessionID, p.lastID) {
		sent = ev.Seq
		if p.wants(ev) {
			writeSSE(w, ev)
		}
		if ev.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", p.sessionID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= sent {
				continue
			}
			sent = ev.Seq
			if p.wants(ev) {
				writeSSE(w, ev)
				flusher.Flush()
			}
			if ev.Terminal() {
				return
			}
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
