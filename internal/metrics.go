package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	signups        atomic.Uint64
	logins         atomic.Uint64
	presenceEvents atomic.Uint64
	framesSent     atomic.Uint64
	activeConns    atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncPresenceEvent() {
	m.presenceEvents.Add(1)
}

func (m *Metrics) IncFrameSent() {
	m.framesSent.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

// Snapshot returns the current counter values keyed by metric name.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"signups_total":         m.signups.Load(),
		"logins_total":          m.logins.Load(),
		"presence_events_total": m.presenceEvents.Load(),
		"frames_sent_total":     m.framesSent.Load(),
		"active_connections":    m.activeConns.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
