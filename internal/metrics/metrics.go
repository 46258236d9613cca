// Package metrics holds lightweight in-process counters for operator
// visibility. No external metrics sink is wired; the Snapshot method gives
// operators a point-in-time view without pulling in a metrics dependency.
package metrics

import "sync/atomic"

// Counters is a fixed set of counters covering the fan-out and detection hot
// paths. Every field only grows except SubscribersConnected, a gauge that is
// decremented when a consumer leaves. Safe for concurrent use; every field is updated with
// atomic adds so the capture hot path never blocks on a mutex.
type Counters struct {
	FramesBroadcast      atomic.Int64
	SubscribersCondemned atomic.Int64
	SubscribersConnected atomic.Int64
	Detections           atomic.Int64
	SessionsOpened       atomic.Int64
	SessionsClosed       atomic.Int64
	DeviceFaults         atomic.Int64
	FramesDropped        atomic.Int64
}

// Snapshot is a point-in-time copy of Counters safe to log or serialize.
type Snapshot struct {
	FramesBroadcast      int64
	SubscribersCondemned int64
	SubscribersConnected int64
	Detections           int64
	SessionsOpened       int64
	SessionsClosed       int64
	DeviceFaults         int64
	FramesDropped        int64
}

// Snapshot reads all counters without synchronizing them against each other;
// a mild skew between fields under concurrent updates is acceptable for an
// operator-facing gauge.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FramesBroadcast:      c.FramesBroadcast.Load(),
		SubscribersCondemned: c.SubscribersCondemned.Load(),
		SubscribersConnected: c.SubscribersConnected.Load(),
		Detections:           c.Detections.Load(),
		SessionsOpened:       c.SessionsOpened.Load(),
		SessionsClosed:       c.SessionsClosed.Load(),
		DeviceFaults:         c.DeviceFaults.Load(),
		FramesDropped:        c.FramesDropped.Load(),
	}
}
