package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/whit3rabbit/manus-open/internal/metrics"
	"github.com/whit3rabbit/manus-open/internal/session"
)

// Hub fans session events out to subscribed connections. It implements
// session.EventSink and never blocks the publisher: a connection that
// cannot keep up is disconnected instead of silently missing events.
type Hub struct {
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		metrics: m,
		logger:  logger,
		subs:    make(map[string]map[*conn]struct{}),
	}
}

// Subscribe adds c to the observers of sessionID.
func (h *Hub) Subscribe(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*conn]struct{})
		h.subs[sessionID] = set
	}
	set[c] = struct{}{}
}

// Unsubscribe removes c from the observers of sessionID.
func (h *Hub) Unsubscribe(sessionID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sessionID, c)
}

// UnsubscribeAll removes every subscription of c.
func (h *Hub) UnsubscribeAll(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.subs {
		h.removeLocked(id, c)
	}
}

func (h *Hub) removeLocked(sessionID string, c *conn) {
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// subscribers returns how many connections observe sessionID.
func (h *Hub) subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Publish implements session.EventSink.
func (h *Hub) Publish(ev session.Event) {
	h.mu.RLock()
	set := h.subs[ev.SessionID]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, c := range targets {
		if !c.deliver(ev, data) {
			h.metrics.EventDropped()
			h.logger.Warn("client too slow, disconnecting",
				slog.String("conn_id", c.id),
				slog.String("session_id", ev.SessionID),
			)
			h.UnsubscribeAll(c)
			c.close()
		}
	}
}
