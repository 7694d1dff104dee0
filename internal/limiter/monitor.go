package limiter

import (
	"maps"
	"sync"
	"time"
)

const (
	maxAlerts  = 100
	maxPaths   = 1000
	maxMethods = 16

	// OverflowPath collects requests for paths first seen after the table
	// reached maxPaths. Methods overflow into OverflowMethod the same way.
	OverflowPath   = "<other>"
	OverflowMethod = "OTHER"
)

type MethodStats struct {
	Total   int64 `json:"total"`
	Blocked int64 `json:"blocked"`
}

type PathStats struct {
	TotalRequests   int64                  `json:"total_requests"`
	BlockedRequests int64                  `json:"blocked_requests"`
	Methods         map[string]MethodStats `json:"methods"`
}

// Alert is raised when a bucket's usage reaches the alert threshold.
type Alert struct {
	ID        string    `json:"id"`
	Dimension string    `json:"dimension"`
	Usage     float64   `json:"usage"`
	Path      string    `json:"path"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
}

type MonitoringSnapshot struct {
	Paths  map[string]PathStats `json:"paths"`
	Alerts []Alert              `json:"alerts"`
}

type monitor struct {
	mu     sync.Mutex
	paths  map[string]*PathStats
	alerts []Alert
}

func newMonitor() *monitor {
	return &monitor{paths: make(map[string]*PathStats)}
}

func (m *monitor) record(path, method string, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.paths[path]
	if !ok && len(m.paths) >= maxPaths {
		path = OverflowPath
		ps, ok = m.paths[path]
	}
	if !ok {
		ps = &PathStats{Methods: make(map[string]MethodStats)}
		m.paths[path] = ps
	}
	ms, ok := ps.Methods[method]
	if !ok && len(ps.Methods) >= maxMethods {
		method = OverflowMethod
		ms = ps.Methods[method]
	}

	ps.TotalRequests++
	ms.Total++
	if blocked {
		ps.BlockedRequests++
		ms.Blocked++
	}
	ps.Methods[method] = ms
}

// alert appends a to the ring, dropping the oldest entry when full.
func (m *monitor) alert(a Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.alerts) == maxAlerts {
		copy(m.alerts, m.alerts[1:])
		m.alerts = m.alerts[:maxAlerts-1]
	}
	m.alerts = append(m.alerts, a)
}

func (m *monitor) snapshot() MonitoringSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MonitoringSnapshot{
		Paths:  make(map[string]PathStats, len(m.paths)),
		Alerts: make([]Alert, len(m.alerts)),
	}
	for path, ps := range m.paths {
		s.Paths[path] = PathStats{
			TotalRequests:   ps.TotalRequests,
			BlockedRequests: ps.BlockedRequests,
			Methods:         maps.Clone(ps.Methods),
		}
	}
	copy(s.Alerts, m.alerts)
	return s
}

func (m *monitor) reset() {
	m.mu.Lock()
	m.paths = make(map[string]*PathStats)
	m.alerts = nil
	m.mu.Unlock()
}
