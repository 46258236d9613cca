// Package client provides wire-protocol clients for the runtime's two
// sockets: a playback producer for the audio socket and an event subscriber
// for the wakeword socket. The outbound STT and TTS collaborators are built
// on these, and integration tests use them to drive a live server.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lokutor-ai/edge-runtime/internal/wire"
)

// AudioProducer holds the single playback channel on the audio socket
//.
type AudioProducer struct {
	mu  sync.Mutex
	nc  net.Conn
	dec *wire.Decoder
}

// DialProducer connects to the audio socket. The connection identifies as a
// producer with its first Play/Stop/EndOfStream frame, so dialing alone does
// not claim the channel yet.
func DialProducer(ctx context.Context, addr string) (*AudioProducer, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial audio socket %s: %w", addr, err)
	}
	return &AudioProducer{nc: nc, dec: wire.NewDecoder(nc)}, nil
}

// Play enqueues pcm for playback. It only writes the frame: a BufferFull
// error frame the server sends back as flow control is read and returned by
// the next EndOfStream call.
func (p *AudioProducer) Play(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wire.WriteFrame(p.nc, wire.Play, pcm)
}

// Stop drops all queued playback audio on the server.
func (p *AudioProducer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wire.WriteFrame(p.nc, wire.Stop, wire.EncodePlaybackControl(wire.PlaybackControlPayload{
		TimestampMs: uint64(time.Now().UnixMilli()),
	}))
}

// EndOfStream asks the server to drain and waits for PlaybackComplete,
// returning its timestamp. A PlaybackError frame (including BufferFull
// reported against an earlier Play) is surfaced as an error.
func (p *AudioProducer) EndOfStream(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := wire.WriteFrame(p.nc, wire.EndOfStream, wire.EncodePlaybackControl(wire.PlaybackControlPayload{
		TimestampMs: uint64(time.Now().UnixMilli()),
	}))
	if err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		p.nc.SetReadDeadline(deadline)
		defer p.nc.SetReadDeadline(time.Time{})
	}
	for {
		frame, err := p.dec.ReadFrame()
		if err != nil {
			return 0, fmt.Errorf("client: awaiting PlaybackComplete: %w", err)
		}
		switch frame.Type {
		case wire.PlaybackComplete:
			return wire.DecodeU64(frame.Payload)
		case wire.PlaybackError:
			msg, _ := wire.DecodeErrorFrame(frame.Payload)
			return 0, fmt.Errorf("client: playback error: %s", msg)
		default:
			return 0, fmt.Errorf("client: unexpected frame 0x%02x awaiting PlaybackComplete", byte(frame.Type))
		}
	}
}

// Close releases the connection, implicitly freeing the producer slot.
func (p *AudioProducer) Close() error {
	return p.nc.Close()
}

// Event is one decoded frame from the wakeword socket. Exactly one field is
// non-nil.
type Event struct {
	Wakeword       *wire.WakewordEventPayload
	UtteranceStart *wire.UtteranceStartPayload
	UtteranceChunk *wire.UtteranceChunkPayload
	UtteranceEnd   *wire.UtteranceEndPayload
}

// EventSubscriber consumes the wakeword/utterance event stream.
type EventSubscriber struct {
	nc  net.Conn
	dec *wire.Decoder
}

// DialEvents connects to the wakeword socket and subscribes with kind.
func DialEvents(ctx context.Context, addr string, kind wire.SubscriptionKind) (*EventSubscriber, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial event socket %s: %w", addr, err)
	}
	if err := wire.WriteFrame(nc, wire.SubscribeEvents, wire.EncodeSubscribeEvents(kind)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("client: subscribe: %w", err)
	}
	return &EventSubscriber{nc: nc, dec: wire.NewDecoder(nc)}, nil
}

// Next blocks for the next event. ctx bounds the wait via a read deadline.
func (s *EventSubscriber) Next(ctx context.Context) (Event, error) {
	if deadline, ok := ctx.Deadline(); ok {
		s.nc.SetReadDeadline(deadline)
		defer s.nc.SetReadDeadline(time.Time{})
	}
	frame, err := s.dec.ReadFrame()
	if err != nil {
		return Event{}, err
	}
	switch frame.Type {
	case wire.WakewordEvent:
		p, err := wire.DecodeWakewordEvent(frame.Payload)
		if err != nil {
			return Event{}, err
		}
		return Event{Wakeword: &p}, nil
	case wire.UtteranceStart:
		p, err := wire.DecodeUtteranceStart(frame.Payload)
		if err != nil {
			return Event{}, err
		}
		return Event{UtteranceStart: &p}, nil
	case wire.UtteranceChunk:
		p, err := wire.DecodeUtteranceChunk(frame.Payload)
		if err != nil {
			return Event{}, err
		}
		return Event{UtteranceChunk: &p}, nil
	case wire.UtteranceEnd:
		p, err := wire.DecodeUtteranceEnd(frame.Payload)
		if err != nil {
			return Event{}, err
		}
		return Event{UtteranceEnd: &p}, nil
	default:
		return Event{}, fmt.Errorf("client: unexpected event frame 0x%02x", byte(frame.Type))
	}
}

// Close releases the subscription.
func (s *EventSubscriber) Close() error {
	return s.nc.Close()
}
