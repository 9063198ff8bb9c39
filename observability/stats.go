// Package observability aggregates engine counters for upward surfaces.
package observability

import (
	"sync/atomic"
	"time"
)

// Snapshot is the plain-data view handed to controllers and CLIs.
type Snapshot struct {
	Sent                 uint64  `json:"sent"`
	Batched              uint64  `json:"batched"`
	Dropped              uint64  `json:"dropped"`
	Queued               uint64  `json:"queued"`
	ConflictsResolved    uint64  `json:"conflicts_resolved"`
	NotificationsBlocked uint64  `json:"notifications_blocked"`
	EventsPerSec         float64 `json:"events_per_sec"`
	UptimeSec            float64 `json:"uptime_sec"`
}

// Stats collects counters with atomics so hot paths never contend on a
// lock for telemetry.
type Stats struct {
	sent                 atomic.Uint64
	batched              atomic.Uint64
	dropped              atomic.Uint64
	queued               atomic.Uint64
	conflictsResolved    atomic.Uint64
	notificationsBlocked atomic.Uint64
	startedAt            time.Time
}

func NewStats() *Stats {
	return &Stats{startedAt: time.Now()}
}

func (s *Stats) IncrSent()        { s.sent.Add(1) }
func (s *Stats) IncrBatched()     { s.batched.Add(1) }
func (s *Stats) IncrDropped()     { s.dropped.Add(1) }
func (s *Stats) IncrQueued()      { s.queued.Add(1) }
func (s *Stats) IncrConflicts()   { s.conflictsResolved.Add(1) }
func (s *Stats) IncrNotifBlocks() { s.notificationsBlocked.Add(1) }

// Snapshot computes the rough events/sec over process lifetime. Good
// enough for dashboards; not a sliding rate.
func (s *Stats) Snapshot() Snapshot {
	elapsed := time.Since(s.startedAt).Seconds()
	sent := s.sent.Load()
	snap := Snapshot{
		Sent:                 sent,
		Batched:              s.batched.Load(),
		Dropped:              s.dropped.Load(),
		Queued:               s.queued.Load(),
		ConflictsResolved:    s.conflictsResolved.Load(),
		NotificationsBlocked: s.notificationsBlocked.Load(),
		UptimeSec:            elapsed,
	}
	if elapsed > 0 {
		snap.EventsPerSec = float64(sent) / elapsed
	}
	return snap
}
