package server

import "sync/atomic"

// Stats counts connections and events across all connections.
type Stats struct {
	active      atomic.Int64
	accepted    atomic.Int64
	rejected    atomic.Int64
	stored      atomic.Int64
	dropped     atomic.Int64
	blacklisted atomic.Int64
	unlinked    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Active   int64 `json:"active_connections"`
	Accepted int64 `json:"accepted_connections"`
	Rejected int64 `json:"rejected_connections"`
	Stored   int64 `json:"events_stored"`
	// Dropped includes blacklisted events.
	Dropped     int64 `json:"events_dropped"`
	Blacklisted int64 `json:"events_blacklisted"`
	// Unlinked counts stored public-key attempts whose key could not be linked.
	Unlinked int64 `json:"pubkeys_unlinked"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Active:      s.active.Load(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		Stored:      s.stored.Load(),
		Dropped:     s.dropped.Load(),
		Blacklisted: s.blacklisted.Load(),
		Unlinked:    s.unlinked.Load(),
	}
}
