package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/lokutor-ai/edge-runtime/internal/wire"
)

// fakeEventServer accepts one connection, checks the subscribe frame, and
// plays back the given frames.
func fakeEventServer(t *testing.T, frames []wire.Frame) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		dec := wire.NewDecoder(nc)
		frame, err := dec.ReadFrame()
		if err != nil || frame.Type != wire.SubscribeEvents {
			return
		}
		for _, f := range frames {
			if err := wire.WriteFrame(nc, f.Type, f.Payload); err != nil {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}()
	return ln.Addr().String()
}

func TestEventSubscriberDecodesStream(t *testing.T) {
	addr := fakeEventServer(t, []wire.Frame{
		{Type: wire.WakewordEvent, Payload: wire.EncodeWakewordEvent(wire.WakewordEventPayload{TimestampMs: 10, Confidence: 0.9, Model: "hey_mycroft"})},
		{Type: wire.UtteranceStart, Payload: wire.EncodeUtteranceStart(wire.UtteranceStartPayload{SessionID: "s1", Preroll: [][]byte{{1, 2}}})},
		{Type: wire.UtteranceChunk, Payload: wire.EncodeUtteranceChunk(wire.UtteranceChunkPayload{SessionID: "s1", Timestamp: 11, Data: []byte{3, 4}, SpeechFlag: true})},
		{Type: wire.UtteranceEnd, Payload: wire.EncodeUtteranceEnd(wire.UtteranceEndPayload{SessionID: "s1", Reason: wire.ReasonEndOfSpeech})},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := DialEvents(ctx, addr, wire.KindWakewordPlusUtterance)
	if err != nil {
		t.Fatalf("DialEvents: %v", err)
	}
	defer sub.Close()

	ev, err := sub.Next(ctx)
	if err != nil || ev.Wakeword == nil || ev.Wakeword.Model != "hey_mycroft" {
		t.Fatalf("event 1 = %+v (%v)", ev, err)
	}
	ev, err = sub.Next(ctx)
	if err != nil || ev.UtteranceStart == nil || len(ev.UtteranceStart.Preroll) != 1 {
		t.Fatalf("event 2 = %+v (%v)", ev, err)
	}
	ev, err = sub.Next(ctx)
	if err != nil || ev.UtteranceChunk == nil || !ev.UtteranceChunk.SpeechFlag {
		t.Fatalf("event 3 = %+v (%v)", ev, err)
	}
	ev, err = sub.Next(ctx)
	if err != nil || ev.UtteranceEnd == nil || ev.UtteranceEnd.Reason != wire.ReasonEndOfSpeech {
		t.Fatalf("event 4 = %+v (%v)", ev, err)
	}
}

func TestProducerEndOfStreamSurfacesError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		dec := wire.NewDecoder(nc)
		for {
			frame, err := dec.ReadFrame()
			if err != nil {
				return
			}
			if frame.Type == wire.EndOfStream {
				wire.WriteFrame(nc, wire.PlaybackError, []byte("BufferFull"))
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := DialProducer(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("DialProducer: %v", err)
	}
	defer p.Close()

	if err := p.Play([]byte{0, 0}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if _, err := p.EndOfStream(ctx); err == nil {
		t.Fatal("EndOfStream did not surface the playback error")
	}
}
