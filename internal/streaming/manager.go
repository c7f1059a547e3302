// Package streaming fans analysis session progress out to SSE and
// WebSocket subscribers, with a per-session ring buffer for replay.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/orchestrator"
)

// Event types.
const (
	TypeStatus = "status"
	TypeResult = "result"
	TypeError  = "error"
)

// Event is one session event as sent to stream clients.
type Event struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Terminal reports whether e is the last event of its session.
func (e Event) Terminal() bool {
	return e.Type == TypeResult || e.Type == TypeError
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 256

// Manager provides in-memory pub/sub for session events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay and Last-Event-ID support
	history   map[string]*ring
	finished  map[string]time.Time
	capacity  int
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager builds a Manager. Finished sessions stay replayable for
// retention before Sweep drops them.
func NewManager(capacity int, retention time.Duration, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		finished:    make(map[string]time.Time),
		capacity:    capacity,
		retention:   retention,
		logger:      logger.Named("streaming"),
		now:         time.Now,
	}
}

// SetCapacity changes the ring size of sessions opened from now on.
func (m *Manager) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
}

// Open registers a session so subscribers can attach before its first event.
func (m *Manager) Open(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.history[sessionID] == nil {
		m.history[sessionID] = newRing(m.capacity)
	}
}

// Known reports whether sessionID is open or still retained.
func (m *Manager) Known(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[sessionID]
	return ok
}

// Subscribe adds a subscriber channel for a session; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish sends an event to all subscribers of sessionID (non-blocking).
func (m *Manager) Publish(sessionID string, evt Event) {
	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	if evt.Terminal() {
		m.finished[sessionID] = m.now()
	}
	subs := make([]chan Event, 0, len(m.subscribers[sessionID]))
	for ch := range m.subscribers[sessionID] {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Pump forwards a running session into the manager: one status event per
// progress line, then a result or error event carrying the outcome.
func (m *Manager) Pump(s *orchestrator.Session) {
	m.Open(s.ID)
	for msg := range s.Status {
		m.Publish(s.ID, Event{Type: TypeStatus, Message: msg})
	}
	out, ok := <-s.Result
	if !ok {
		m.Publish(s.ID, Event{Type: TypeError, Message: "session ended without a result"})
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		m.logger.Error("Failed to encode outcome", zap.String("session_id", s.ID), zap.Error(err))
		m.Publish(s.ID, Event{Type: TypeError, Message: "failed to encode result"})
		return
	}
	evt := Event{Type: TypeResult, Data: data}
	if out.Error != nil {
		evt.Type = TypeError
		evt.Message = out.Error.Message
	}
	m.Publish(s.ID, evt)
}

// Sweep drops sessions that finished more than retention ago and returns
// how many were dropped.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, at := range m.finished {
		if at.After(cutoff) {
			continue
		}
		delete(m.finished, id)
		delete(m.history, id)
		n++
	}
	return n
}

// Run sweeps on every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("Swept finished sessions", zap.Int("count", n))
			}
		}
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
