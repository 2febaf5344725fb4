// Package metrics holds the daemon's process-wide observable counters.
// Per spec §9 "global mutable state", these atomic counters are the only
// legitimate process-wide state in the IPC core.
package metrics

import "sync/atomic"

// Counters tracks cancellations, deadline rejections, and backpressure
// rejections. Its lifetime is tied to the daemon process; a fresh Counters
// is created once at daemon startup and shared by every connection.
type Counters struct {
	cancels      atomic.Uint64
	deadlines    atomic.Uint64
	backpressure atomic.Uint64
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// IncCancels records one successfully signalled cancellation.
func (c *Counters) IncCancels() { c.cancels.Add(1) }

// IncDeadlines records one deadline resolution: a rejection at admission,
// or a running request whose deadline expired before it completed.
func (c *Counters) IncDeadlines() { c.deadlines.Add(1) }

// IncBackpressure records one admission-time backpressure rejection.
func (c *Counters) IncBackpressure() { c.backpressure.Add(1) }

// Snapshot is a point-in-time read of all counters plus the caller-supplied
// in-flight count (which the admission controller, not this package,
// owns).
type Snapshot struct {
	Cancels      uint64
	Deadlines    uint64
	Backpressure uint64
	InFlight     uint64
}

// Snapshot reads the current counter values. InFlight is filled in by the
// caller since the in-flight count lives in the dispatcher's admission
// table, not here.
func (c *Counters) Snapshot(inFlight uint64) Snapshot {
	return Snapshot{
		Cancels:      c.cancels.Load(),
		Deadlines:    c.deadlines.Load(),
		Backpressure: c.backpressure.Load(),
		InFlight:     inFlight,
	}
}
