package chat

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics keeps cheap process-local counters for the delivery pipeline.
type Metrics struct {
	activeSessions    atomic.Int64
	messagesPersisted atomic.Uint64
	eventsPublished   atomic.Uint64
	framesDropped     atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSession() {
	m.activeSessions.Add(1)
}

func (m *Metrics) DecSession() {
	m.activeSessions.Add(-1)
}

func (m *Metrics) IncPersisted() {
	m.messagesPersisted.Add(1)
}

func (m *Metrics) IncPublished() {
	m.eventsPublished.Add(1)
}

func (m *Metrics) IncDropped() {
	m.framesDropped.Add(1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"active_sessions":          m.activeSessions.Load(),
		"messages_persisted_total": m.messagesPersisted.Load(),
		"events_published_total":   m.eventsPublished.Load(),
		"frames_dropped_total":     m.framesDropped.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
