package audioserver

import "sync/atomic"

// BackpressureState tracks one subscriber's backpressure condition.
type BackpressureState int32

const (
	Healthy BackpressureState = iota
	Warned
	Condemned
)

// queueDepth is the bounded per-subscriber outbound queue depth: 100 frames,
// a few seconds of audio at the nominal capture cadence.
const queueDepth = 100

// warnAt / condemnAt are the overflow-count thresholds: warn on
// the first drop, condemn once five have accumulated.
const (
	warnAt    = 1
	condemnAt = 5
)

// ClientID uniquely identifies one live connection.
type ClientID string

// subscriber is the per-connection outbound record for one audio consumer.
// Created on SubscribeAudio, destroyed on close. The capture hot path only
// ever touches queue (via a non-blocking send), the atomic warnings
// counter and the atomic state; condemned subscribers are removed on the
// write-lock sweep.
type subscriber struct {
	id    ClientID
	queue chan []byte

	warnings int32 // atomic
	state    atomic.Int32

	closed   atomic.Bool
	closeSig chan struct{}
}

func newSubscriber(id ClientID) *subscriber {
	s := &subscriber{
		id:       id,
		queue:    make(chan []byte, queueDepth),
		closeSig: make(chan struct{}),
	}
	s.state.Store(int32(Healthy))
	return s
}

// enqueueResult is the outcome of one non-blocking send attempt.
type enqueueResult int

const (
	delivered enqueueResult = iota
	queueFull
	channelClosed
)

// tryEnqueue performs the non-blocking send that is the entire job of the
// capture hot path for each subscriber: never block, never take a lock
// beyond the read lock already held by the caller.
func (s *subscriber) tryEnqueue(frame []byte) enqueueResult {
	if s.closed.Load() {
		return channelClosed
	}
	select {
	case s.queue <- frame:
		atomic.StoreInt32(&s.warnings, 0)
		return delivered
	default:
		w := atomic.AddInt32(&s.warnings, 1)
		if w >= condemnAt {
			s.state.Store(int32(Condemned))
		} else if w >= warnAt {
			s.state.Store(int32(Warned))
		}
		return queueFull
	}
}

func (s *subscriber) condemned() bool {
	return BackpressureState(s.state.Load()) == Condemned
}

// close marks the subscriber dead and unblocks its writer goroutine. Safe to
// call more than once.
func (s *subscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.closeSig)
	}
}
