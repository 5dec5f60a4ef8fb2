package server

import (
	"sync"
	"time"
)

// MethodStats is the timing record for one command, in seconds.
type MethodStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Total float64 `json:"total"`
	Count int64   `json:"count"`
}

// Stats accumulates per-command wall time. It is shared by every connection
// and served back over get_stats.
type Stats struct {
	mu      sync.Mutex
	methods map[string]*MethodStats
}

func NewStats() *Stats {
	return &Stats{methods: make(map[string]*MethodStats)}
}

// Record folds one command execution into the method's entry.
func (s *Stats) Record(method string, elapsed time.Duration) {
	secs := elapsed.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[method]
	if !ok {
		m = &MethodStats{Min: secs, Max: secs}
		s.methods[method] = m
	}
	if secs < m.Min {
		m.Min = secs
	}
	if secs > m.Max {
		m.Max = secs
	}
	m.Total += secs
	m.Count++
}

// Snapshot copies the current table for serialization.
func (s *Stats) Snapshot() map[string]MethodStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]MethodStats, len(s.methods))
	for method, m := range s.methods {
		out[method] = *m
	}
	return out
}
