// Package audioserver implements the audio fan-out server
// and its playback ingress surface (C8): one capture device broadcast to
// many consumers with per-client backpressure, and one producer at a time
// feeding the playback mixer. Both roles share a single listening socket and
// are told apart by the first frame a client sends.
package audioserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/edge-runtime/internal/device"
	"github.com/lokutor-ai/edge-runtime/internal/logging"
	"github.com/lokutor-ai/edge-runtime/internal/metrics"
	"github.com/lokutor-ai/edge-runtime/internal/wire"
)

// DefaultAddr is the audio socket's default bind address.
const DefaultAddr = "127.0.0.1:50051"

// captureReadTimeout bounds each device read so the capture loop can observe
// cancellation between chunks.
const captureReadTimeout = 250 * time.Millisecond

// slowWriteThreshold is the per-frame TCP write duration above which a
// consumer is logged as slow. A slow write alone never condemns the client;
// only queue overflow does.
const slowWriteThreshold = 100 * time.Millisecond

// shutdownDrainTimeout bounds how long graceful shutdown waits for the
// playback mixer to drain.
const shutdownDrainTimeout = 10 * time.Second

// Config holds the server's bind address. Zero value means DefaultAddr.
type Config struct {
	Addr string
}

// Server owns the capture device (lazily) and the playback sink, accepts
// clients on one TCP socket, and runs the two-phase broadcast below.
type Server struct {
	cfg      Config
	log      logging.Logger
	counters *metrics.Counters

	sourceFactory device.SourceFactory
	mixer         *Mixer

	mu      sync.RWMutex
	subs    map[ClientID]*conn
	taps    map[int]chan device.Chunk
	nextTap int

	source        device.Source
	captureCancel context.CancelFunc

	producerMu sync.Mutex
	producerID ClientID

	ln net.Listener
}

// conn couples a subscriber record with its socket so the sweep can tear
// both down together.
type conn struct {
	*subscriber
	nc net.Conn
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

// New builds a Server. The capture device opens lazily on the first
// subscriber via sourceFactory; sink is owned for the server's lifetime and
// wrapped in the playback mixer.
func New(cfg Config, sourceFactory device.SourceFactory, sink device.Sink, opts ...Option) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		cfg:           cfg,
		log:           logging.NoOpLogger{},
		counters:      &metrics.Counters{},
		sourceFactory: sourceFactory,
		mixer:         NewMixer(sink),
		subs:          make(map[ClientID]*conn),
		taps:          make(map[int]chan device.Chunk),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mixer exposes the playback mixer so the runtime can attach the echo gate's
// playback observer.
func (s *Server) Mixer() *Mixer { return s.mixer }

// Addr returns the bound listen address; valid once Serve has started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// SubscriberCount reports how many consumer connections are live.
func (s *Server) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// RegisterTap adds an in-process consumer of raw captured chunks (the
// detection pipeline). Delivery is non-blocking: a full tap channel drops the
// chunk, same policy as a TCP subscriber's queue. The tap counts toward the
// lazy capture-device lifecycle. The returned func unregisters it.
func (s *Server) RegisterTap(ch chan device.Chunk) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextTap
	s.nextTap++
	s.taps[id] = ch
	if err := s.ensureCaptureLocked(); err != nil {
		delete(s.taps, id)
		return nil, err
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.taps, id)
		s.stopCaptureIfIdleLocked()
	}, nil
}

// Serve listens on cfg.Addr and accepts clients until ctx is canceled, then
// performs the graceful-shutdown sequence: stop accepting, notify and
// close existing connections, drain the playback mixer up to 10s, release
// the capture device.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("audioserver: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.log.Info("audioserver: listening", "addr", ln.Addr().String())

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
					return fmt.Errorf("audioserver: accept: %w", err)
				}
			}
			go s.serveConn(gctx, nc)
		}
	})

	err = g.Wait()
	s.gracefulShutdown()
	return err
}

// gracefulShutdown notifies and closes live connections, drains playback,
// and releases the capture device.
func (s *Server) gracefulShutdown() {
	errFrame, _ := wire.Encode(wire.AudioError, []byte("server shutting down"))

	s.mu.Lock()
	for id, c := range s.subs {
		c.tryEnqueue(errFrame)
		c.close()
		c.nc.Close()
		delete(s.subs, id)
	}
	s.stopCaptureIfIdleLocked()
	s.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()
	if err := s.mixer.EndAndWait(drainCtx); err != nil {
		s.log.Warn("audioserver: playback drain cut short", "err", err)
	}
	s.mixer.Close()
}

// serveConn identifies the client by its first frame and hands it to the
// consumer or producer path (connection lifecycle: Accepted → Identified).
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	id := ClientID(uuid.New().String())
	dec := wire.NewDecoder(nc)

	frame, err := dec.ReadFrame()
	if err != nil {
		nc.Close()
		return
	}

	switch frame.Type {
	case wire.SubscribeAudio:
		s.serveConsumer(ctx, id, nc, dec)
	case wire.Play, wire.Stop, wire.EndOfStream:
		s.serveProducer(ctx, id, nc, dec, frame)
	default:
		// Fatal protocol error on this connection only.
		s.writeError(nc, wire.AudioError, "unexpected first frame type")
		nc.Close()
	}
}

func (s *Server) writeError(nc net.Conn, t wire.Type, msg string) {
	if err := wire.WriteFrame(nc, t, []byte(msg)); err != nil {
		s.log.Debug("audioserver: error frame write failed", "err", err)
	}
}

// --- consumer path ---

func (s *Server) serveConsumer(ctx context.Context, id ClientID, nc net.Conn, dec *wire.Decoder) {
	c := &conn{subscriber: newSubscriber(id), nc: nc}

	s.mu.Lock()
	s.subs[id] = c
	err := s.ensureCaptureLocked()
	if err != nil {
		delete(s.subs, id)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("audioserver: capture open failed", "client", string(id), "err", err)
		s.writeError(nc, wire.AudioError, "capture device unavailable")
		nc.Close()
		return
	}
	s.counters.SubscribersConnected.Add(1)
	s.log.Info("audioserver: consumer subscribed", "client", string(id))

	// Dedicated writer: pulls encoded frames off the bounded queue and does
	// the blocking TCP writes, keeping the capture hot path non-blocking.
	go s.consumerWriter(c)

	// Reader: nothing but UnsubscribeAudio (→ Draining) is expected from a
	// consumer after identification.
	for {
		frame, err := dec.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("audioserver: consumer read failed", "client", string(id), "err", err)
			}
			break
		}
		if frame.Type == wire.UnsubscribeAudio {
			break
		}
		s.log.Warn("audioserver: unexpected consumer frame, closing", "client", string(id), "type", fmt.Sprintf("0x%02x", byte(frame.Type)))
		break
	}

	s.removeSubscriber(id, "connection closed")
}

func (s *Server) consumerWriter(c *conn) {
	for {
		select {
		case frame := <-c.queue:
			start := time.Now()
			if _, err := c.nc.Write(frame); err != nil {
				c.close()
				c.nc.Close()
				return
			}
			if d := time.Since(start); d > slowWriteThreshold {
				s.log.Warn("audioserver: slow consumer write", "client", string(c.id), "elapsed", d.String())
			}
		case <-c.closeSig:
			c.nc.Close()
			return
		}
	}
}

func (s *Server) removeSubscriber(id ClientID, why string) {
	s.mu.Lock()
	c, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		s.stopCaptureIfIdleLocked()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	c.nc.Close()
	s.counters.SubscribersConnected.Add(-1)
	s.log.Info("audioserver: consumer removed", "client", string(id), "reason", why)
}

// --- capture lifecycle and broadcast ---

// ensureCaptureLocked opens the device and starts the capture loop if it is
// not already running. Caller holds s.mu.
func (s *Server) ensureCaptureLocked() error {
	if s.source != nil {
		return nil
	}
	src, err := s.sourceFactory()
	if err != nil {
		return fmt.Errorf("audioserver: open capture: %w", err)
	}
	s.source = src
	ctx, cancel := context.WithCancel(context.Background())
	s.captureCancel = cancel
	go s.captureLoop(ctx, src)
	s.log.Info("audioserver: capture device opened")
	return nil
}

// stopCaptureIfIdleLocked closes the device deterministically once the last
// subscriber and tap are gone. Caller
// holds s.mu.
func (s *Server) stopCaptureIfIdleLocked() {
	if s.source == nil || len(s.subs) > 0 || len(s.taps) > 0 {
		return
	}
	s.captureCancel()
	s.source.Close()
	s.source = nil
	s.captureCancel = nil
	s.log.Info("audioserver: capture device closed")
}

// captureLoop is the single capture task: read, timestamp, broadcast. On a
// device fault it attempts exactly one reopen; if that fails it broadcasts a
// ServerError frame and stops capturing while the server keeps accepting
//.
func (s *Server) captureLoop(ctx context.Context, src device.Source) {
	reopened := false
	for {
		chunk, err := src.ReadChunkTimeout(ctx, captureReadTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.counters.DeviceFaults.Add(1)
			if !reopened {
				s.log.Warn("audioserver: capture fault, reopening", "err", err)
				src.Close()
				fresh, openErr := s.sourceFactory()
				if openErr == nil {
					reopened = true
					s.mu.Lock()
					s.source = fresh
					s.mu.Unlock()
					src = fresh
					continue
				}
			}
			s.log.Error("audioserver: capture stopped", "err", err)
			s.broadcastError("capture device failed")
			s.mu.Lock()
			if s.source == src {
				s.source.Close()
				s.source = nil
				s.captureCancel = nil
			}
			s.mu.Unlock()
			return
		}
		if chunk == nil {
			continue
		}
		if chunk.TimestampMs == 0 {
			chunk.TimestampMs = time.Now().UnixMilli()
		}
		s.broadcast(*chunk)
	}
}

// broadcast is the two-phase fan-out: encode once, try-send to every
// subscriber under the read lock, then sweep failures under the write lock.
// The hot path never blocks and never takes the write lock unless a
// subscriber actually failed.
func (s *Server) broadcast(chunk device.Chunk) {
	payload := wire.EncodeAudioChunk(wire.AudioChunkPayload{
		TimestampMs: uint64(chunk.TimestampMs),
		Data:        chunk.PCM,
	})
	frame, err := wire.Encode(wire.AudioChunk, payload)
	if err != nil {
		s.log.Error("audioserver: chunk encode failed", "err", err)
		return
	}

	var dead []ClientID
	s.mu.RLock()
	for id, c := range s.subs {
		switch c.tryEnqueue(frame) {
		case delivered:
		case queueFull:
			s.counters.FramesDropped.Add(1)
			if c.condemned() {
				dead = append(dead, id)
			} else {
				s.log.Warn("audioserver: subscriber queue full", "client", string(id))
			}
		case channelClosed:
			dead = append(dead, id)
		}
	}
	for _, tap := range s.taps {
		select {
		case tap <- chunk:
		default:
			s.counters.FramesDropped.Add(1)
		}
	}
	s.mu.RUnlock()
	s.counters.FramesBroadcast.Add(1)

	if len(dead) == 0 {
		return
	}
	for _, id := range dead {
		s.counters.SubscribersCondemned.Add(1)
		s.removeSubscriber(id, "backpressure condemned")
	}
}

// broadcastError sends a framed error to every live consumer; the connection
// stays open so clients may keep waiting for capture to resume.
func (s *Server) broadcastError(msg string) {
	frame, err := wire.Encode(wire.AudioError, []byte(msg))
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.subs {
		c.tryEnqueue(frame)
	}
}

// --- producer path ---

// serveProducer runs the playback ingress surface (C8). At most one producer
// holds the playback channel; a second connection is rejected with an Error
// frame and closed.
func (s *Server) serveProducer(ctx context.Context, id ClientID, nc net.Conn, dec *wire.Decoder, first wire.Frame) {
	s.producerMu.Lock()
	if s.producerID != "" {
		s.producerMu.Unlock()
		s.writeError(nc, wire.PlaybackError, "Producer already connected")
		nc.Close()
		return
	}
	s.producerID = id
	s.producerMu.Unlock()

	s.log.Info("audioserver: producer connected", "client", string(id))
	defer func() {
		s.producerMu.Lock()
		s.producerID = ""
		s.producerMu.Unlock()
		nc.Close()
		s.log.Info("audioserver: producer disconnected", "client", string(id))
	}()

	frame := first
	for {
		switch frame.Type {
		case wire.Play:
			if err := s.mixer.Write(frame.Payload); err != nil {
				if errors.Is(err, ErrBufferFull) {
					// Flow control, not fatal: the producer backs off and
					// retries.
					s.writeError(nc, wire.PlaybackError, "BufferFull")
				} else {
					s.writeError(nc, wire.PlaybackError, err.Error())
					return
				}
			}
		case wire.Stop:
			if err := s.mixer.Abort(); err != nil {
				s.log.Warn("audioserver: playback abort failed", "err", err)
			}
		case wire.EndOfStream:
			if err := s.mixer.EndAndWait(ctx); err != nil {
				s.writeError(nc, wire.PlaybackError, "drain interrupted")
				return
			}
			done := wire.EncodeU64(uint64(time.Now().UnixMilli()))
			if err := wire.WriteFrame(nc, wire.PlaybackComplete, done); err != nil {
				return
			}
		default:
			s.writeError(nc, wire.PlaybackError, "unexpected producer frame type")
			return
		}

		var err error
		frame, err = dec.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("audioserver: producer read failed", "client", string(id), "err", err)
			}
			return
		}
	}
}
