package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

// handleWS streams session events over a WebSocket and closes normally
// after the result or error event.
// GET /api/v1/stream/ws?session_id=<id>
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	p := parseStreamParams(r)
	if p.sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	if !h.streams.Known(p.sessionID) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.streams.Subscribe(p.sessionID, 256)
	defer h.streams.Unsubscribe(p.sessionID, ch)
	metrics.StreamSubscribers.WithLabelValues("ws").Inc()
	defer metrics.StreamSubscribers.WithLabelValues("ws").Dec()

	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	// Replay backlog
	sent := p.lastID
	for _, ev := range h.streams.ReplaySince(p.sessionID, p.lastID) {
		sent = ev.Seq
		if p.wants(ev) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		if ev.Terminal() {
			closeNormal()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	// Reader pump (discard client messages)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer pump
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
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
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
			if ev.Terminal() {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
