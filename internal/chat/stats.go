package chat

import (
	"sync/atomic"
	"time"
)

// Stats counts answered queries since startup. It is safe for concurrent use.
type Stats struct {
	started  time.Time
	handled  atomic.Int64
	failed   atomic.Int64
	degraded atomic.Int64
}

// NewStats returns Stats starting now.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Started  time.Time     `json:"started"`
	Uptime   time.Duration `json:"uptime_ns"`
	Handled  int64         `json:"handled"`
	Failed   int64         `json:"failed"`
	Degraded int64         `json:"degraded"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Started:  s.started,
		Uptime:   time.Since(s.started),
		Handled:  s.handled.Load(),
		Failed:   s.failed.Load(),
		Degraded: s.degraded.Load(),
	}
}

func (s *Stats) record(failed, degraded bool) {
	s.handled.Add(1)
	if failed {
		s.failed.Add(1)
	}
	if degraded {
		s.degraded.Add(1)
	}
}
