// Package eventserver implements the wakeword/utterance event subscription
// server: the same fan-out and backpressure discipline as the
// audio server, applied to the wake/utterance protocol family. It is the
// runtime's session.Sink — the utterance controller calls straight into it
// and every framed event fans out to the matching subscribers.
package eventserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/edge-runtime/internal/logging"
	"github.com/lokutor-ai/edge-runtime/internal/metrics"
	"github.com/lokutor-ai/edge-runtime/internal/session"
	"github.com/lokutor-ai/edge-runtime/internal/wire"
)

// DefaultAddr is the event socket's default bind address.
const DefaultAddr = "127.0.0.1:8090"

// queueDepth bounds each subscriber's outbound frame queue.
const queueDepth = 100

// condemnAt is the overflow count at which a slow subscriber is disconnected
// — the subscriber is dropped, never the producer.
const condemnAt = 5

// seenSessionsCap bounds the idempotency ledger; older session ids age out.
const seenSessionsCap = 32

// Config holds the server's bind address. Zero value means DefaultAddr.
type Config struct {
	Addr string
}

// subscriber is one live event connection with its bounded queue.
type subscriber struct {
	id   string
	kind wire.SubscriptionKind
	nc   net.Conn

	queue    chan []byte
	warnings int32

	closed   atomic.Bool
	closeSig chan struct{}
}

func (s *subscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.closeSig)
	}
}

// tryEnqueue mirrors the audio server's hot-path contract: non-blocking,
// warnings reset on success, condemnation after condemnAt overflows.
func (s *subscriber) tryEnqueue(frame []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.queue <- frame:
		atomic.StoreInt32(&s.warnings, 0)
		return true
	default:
		return atomic.AddInt32(&s.warnings, 1) < condemnAt
	}
}

// sessionStage tracks which terminal events a session id has already
// broadcast, making re-broadcasts idempotent per session.
type sessionStage struct {
	id      string
	started bool
	ended   bool
}

// Server fans wakeword/utterance events out to TCP subscribers.
type Server struct {
	cfg      Config
	log      logging.Logger
	counters *metrics.Counters

	mu   sync.RWMutex
	subs map[string]*subscriber

	seenMu sync.Mutex
	seen   []sessionStage

	ln net.Listener
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithCounters wires the shared metrics counters.
func WithCounters(c *metrics.Counters) Option {
	return func(s *Server) { s.counters = c }
}

// New builds a Server.
func New(cfg Config, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		cfg:      cfg,
		log:      logging.NoOpLogger{},
		counters: &metrics.Counters{},
		subs:     make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the bound listen address; valid once Serve has started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SubscriberCount reports how many event subscribers are live.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Serve accepts subscribers until ctx is canceled, then closes every live
// connection.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("eventserver: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("eventserver: listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				default:
					return fmt.Errorf("eventserver: accept: %w", err)
				}
			}
			go s.serveConn(nc)
		}
	})

	err = g.Wait()
	s.closeAll()
	return err
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		sub.close()
		sub.nc.Close()
		delete(s.subs, id)
	}
}

// serveConn expects SubscribeEvents as the first and only meaningful frame,
// then keeps the connection until the peer leaves or is condemned.
func (s *Server) serveConn(nc net.Conn) {
	dec := wire.NewDecoder(nc)
	frame, err := dec.ReadFrame()
	if err != nil || frame.Type != wire.SubscribeEvents {
		nc.Close()
		return
	}
	kind, err := wire.DecodeSubscribeEvents(frame.Payload)
	if err != nil {
		nc.Close()
		return
	}

	sub := &subscriber{
		id:       uuid.New().String(),
		kind:     kind,
		nc:       nc,
		queue:    make(chan []byte, queueDepth),
		closeSig: make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	s.log.Info("eventserver: subscriber joined", "client", sub.id, "kind", int(kind))

	go s.writer(sub)

	for {
		if _, err := dec.ReadFrame(); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("eventserver: subscriber read failed", "client", sub.id, "err", err)
			}
			break
		}
		// Subscribers have nothing further to say; tolerate and ignore.
	}

	s.remove(sub.id, "connection closed")
}

func (s *Server) writer(sub *subscriber) {
	for {
		select {
		case frame := <-sub.queue:
			if _, err := sub.nc.Write(frame); err != nil {
				sub.close()
				sub.nc.Close()
				return
			}
		case <-sub.closeSig:
			sub.nc.Close()
			return
		}
	}
}

func (s *Server) remove(id, why string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sub.close()
	sub.nc.Close()
	s.log.Info("eventserver: subscriber removed", "client", id, "reason", why)
}

// broadcast try-sends frame to every subscriber fullOnly selects, sweeping
// condemned ones afterward, the same two-phase pattern the audio server
// runs on its capture hot path.
func (s *Server) broadcast(frame []byte, fullOnly bool) {
	var dead []string
	s.mu.RLock()
	for id, sub := range s.subs {
		if fullOnly && sub.kind == wire.KindWakewordOnly {
			continue
		}
		if !sub.tryEnqueue(frame) {
			dead = append(dead, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range dead {
		s.counters.SubscribersCondemned.Add(1)
		s.remove(id, "slow subscriber")
	}
}

// claimStage records that sessionID has broadcast its start (or end) and
// reports whether this call was the first to do so. The ledger evicts its
// oldest entry once full.
func (s *Server) claimStage(sessionID string, end bool) bool {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	for i := range s.seen {
		if s.seen[i].id != sessionID {
			continue
		}
		if end {
			if s.seen[i].ended {
				return false
			}
			s.seen[i].ended = true
		} else {
			if s.seen[i].started {
				return false
			}
			s.seen[i].started = true
		}
		return true
	}
	if len(s.seen) >= seenSessionsCap {
		s.seen = s.seen[1:]
	}
	s.seen = append(s.seen, sessionStage{id: sessionID, started: !end, ended: end})
	return true
}

// --- session.Sink ---

// WakewordEvent broadcasts a detection to every subscriber kind.
func (s *Server) WakewordEvent(model string, confidence float32, tsMs int64) {
	payload := wire.EncodeWakewordEvent(wire.WakewordEventPayload{
		TimestampMs: uint64(tsMs),
		Confidence:  confidence,
		Model:       model,
	})
	frame, err := wire.Encode(wire.WakewordEvent, payload)
	if err != nil {
		s.log.Error("eventserver: wakeword encode failed", "err", err)
		return
	}
	s.counters.Detections.Add(1)
	s.broadcast(frame, false)
}

// UtteranceStart broadcasts the session opening with its pre-roll to full
// subscribers. Duplicate starts for a session id are dropped.
func (s *Server) UtteranceStart(sessionID string, preroll [][]byte, tsMs int64) {
	if !s.claimStage(sessionID, false) {
		return
	}

	payload := wire.EncodeUtteranceStart(wire.UtteranceStartPayload{SessionID: sessionID, Preroll: preroll})
	frame, err := wire.Encode(wire.UtteranceStart, payload)
	if err != nil {
		s.log.Error("eventserver: utterance start encode failed", "session", sessionID, "err", err)
		return
	}
	s.counters.SessionsOpened.Add(1)
	s.broadcast(frame, true)
}

// UtteranceChunk broadcasts one live session chunk to full subscribers.
func (s *Server) UtteranceChunk(sessionID string, tsMs int64, data []byte, speechFlag bool) {
	payload := wire.EncodeUtteranceChunk(wire.UtteranceChunkPayload{
		SessionID:  sessionID,
		Timestamp:  uint64(tsMs),
		Data:       data,
		SpeechFlag: speechFlag,
	})
	frame, err := wire.Encode(wire.UtteranceChunk, payload)
	if err != nil {
		s.log.Error("eventserver: utterance chunk encode failed", "session", sessionID, "err", err)
		return
	}
	s.broadcast(frame, true)
}

// UtteranceEnd broadcasts the terminal event to full subscribers exactly once
// per session id.
func (s *Server) UtteranceEnd(sessionID string, reason session.EndReason) {
	if !s.claimStage(sessionID, true) {
		return
	}

	payload := wire.EncodeUtteranceEnd(wire.UtteranceEndPayload{
		SessionID: sessionID,
		Reason:    wire.UtteranceEndReason(reason),
	})
	frame, err := wire.Encode(wire.UtteranceEnd, payload)
	if err != nil {
		s.log.Error("eventserver: utterance end encode failed", "session", sessionID, "err", err)
		return
	}
	s.counters.SessionsClosed.Add(1)
	s.broadcast(frame, true)
}

// WaitListening blocks until the server has bound its socket or the timeout
// elapses — a convenience for the runtime's startup sequencing.
func (s *Server) WaitListening(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			return fmt.Errorf("eventserver: not listening after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}
