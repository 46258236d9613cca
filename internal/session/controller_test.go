package session

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/edge-runtime/internal/features"
	"github.com/lokutor-ai/edge-runtime/internal/inference"
	"github.com/lokutor-ai/edge-runtime/internal/vad"
	"github.com/lokutor-ai/edge-runtime/internal/wakeword"
)

type event struct {
	kind string
	data interface{}
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (s *recordingSink) WakewordEvent(model string, confidence float32, tsMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{"WakewordEvent", model})
}

func (s *recordingSink) UtteranceStart(sessionID string, preroll [][]byte, tsMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{"UtteranceStart", sessionID})
}

func (s *recordingSink) UtteranceChunk(sessionID string, tsMs int64, data []byte, speechFlag bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{"UtteranceChunk", speechFlag})
}

func (s *recordingSink) UtteranceEnd(sessionID string, reason EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event{"UtteranceEnd", reason})
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.kind
	}
	return out
}

func (s *recordingSink) last() event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func loudChunkBytes() []byte {
	buf := make([]byte, features.ChunkSamples*2)
	for i := 0; i < features.ChunkSamples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(20000)))
	}
	return buf
}

func silentChunkBytes() []byte {
	return make([]byte, features.ChunkSamples*2)
}

func newTestController(cfg Config) (*Controller, *recordingSink) {
	extractor := features.New(inference.NewStubMelEngine(), inference.NewStubEmbeddingEngine())
	// A single loud chunk's signal is diluted by the 76-frame mel window and
	// then the 16-embedding classifier window before reaching the model, so
	// this gain is far higher than wakeword package's own direct-embedding
	// unit tests need.
	classifier := wakeword.New([]wakeword.ModelConfig{{
		Engine:    inference.NewStubClassifierEngine("hey_mycroft", 20000),
		Threshold: 0.5,
	}})
	vadProc := vad.New(inference.NewStubVADEngine(0), 0.5, 3)
	sink := &recordingSink{}
	return New(extractor, classifier, vadProc, sink, cfg), sink
}

// warmUp drives enough silent chunks to fill the 16-embedding classifier
// warm-up window without triggering any detection.
func warmUp(t *testing.T, c *Controller, startTs int64) int64 {
	t.Helper()
	ts := startTs
	for i := 0; i < 20; i++ {
		if err := c.ProcessChunk(ts, silentChunkBytes()); err != nil {
			t.Fatalf("ProcessChunk: %v", err)
		}
		ts += 80
	}
	return ts
}

func TestWakewordArmsSessionAndEmitsOrderedEvents(t *testing.T) {
	c, sink := newTestController(Config{ArmedMaxMs: 500000, EOSSilenceMs: 500000, MaxSessionMs: 500000})
	ts := warmUp(t, c, 1000)

	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if c.State() != Armed {
		t.Fatalf("expected Armed, got %v", c.State())
	}
	kinds := sink.kinds()
	if len(kinds) != 2 || kinds[0] != "WakewordEvent" || kinds[1] != "UtteranceStart" {
		t.Fatalf("expected [WakewordEvent UtteranceStart], got %v", kinds)
	}
}

func TestArmedTransitionsToCapturingOnStartedSpeech(t *testing.T) {
	c, sink := newTestController(Config{ArmedMaxMs: 500000, EOSSilenceMs: 500000, MaxSessionMs: 500000})
	ts := warmUp(t, c, 1000)

	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	ts += 80
	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if c.State() != Capturing {
		t.Fatalf("expected Capturing, got %v", c.State())
	}
	kinds := sink.kinds()
	if len(kinds) < 3 || kinds[2] != "UtteranceChunk" {
		t.Fatalf("expected UtteranceChunk after entering Capturing, got %v", kinds)
	}
}

func TestCapturingFinalizesOnStoppedSpeech(t *testing.T) {
	c, sink := newTestController(Config{ArmedMaxMs: 500000, EOSSilenceMs: 500000, MaxSessionMs: 500000})
	ts := warmUp(t, c, 1000)

	// Arm, then enter Capturing.
	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	ts += 80
	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if c.State() != Capturing {
		t.Fatalf("expected Capturing, got %v", c.State())
	}

	// trailingFrames=3 in the VAD processor; need 3 silent 512-sample
	// windows to trigger StoppedSpeech. Each 1280-sample chunk yields
	// multiple 512-sample windows across calls, so a few silent chunks
	// suffice to observe the event.
	var gotEnd bool
	for i := 0; i < 5; i++ {
		ts += 80
		if err := c.ProcessChunk(ts, silentChunkBytes()); err != nil {
			t.Fatalf("ProcessChunk: %v", err)
		}
		if c.State() == Idle {
			gotEnd = true
			break
		}
	}
	if !gotEnd {
		t.Fatalf("expected session to finalize on StoppedSpeech, state=%v", c.State())
	}
	last := sink.last()
	if last.kind != "UtteranceEnd" || last.data.(EndReason) != ReasonEndOfSpeech {
		t.Fatalf("expected UtteranceEnd(EndOfSpeech), got %v", last)
	}
}

func TestArmedMaxMsTimerFiresWithoutSpeech(t *testing.T) {
	c, sink := newTestController(Config{ArmedMaxMs: 30, EOSSilenceMs: 500000, MaxSessionMs: 500000})
	ts := warmUp(t, c, 1000)

	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if c.State() != Armed {
		t.Fatalf("expected Armed, got %v", c.State())
	}

	deadline := time.After(2 * time.Second)
	for c.State() != Idle {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for armed_max_ms timeout, state=%v", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	last := sink.last()
	if last.kind != "UtteranceEnd" || last.data.(EndReason) != ReasonNoSpeechTimeout {
		t.Fatalf("expected UtteranceEnd(NoSpeechTimeout), got %v", last)
	}
}

func TestWakewordDroppedWhileNotIdle(t *testing.T) {
	c, sink := newTestController(Config{ArmedMaxMs: 500000, EOSSilenceMs: 500000, MaxSessionMs: 500000})
	ts := warmUp(t, c, 1000)

	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if c.State() != Armed {
		t.Fatalf("expected Armed, got %v", c.State())
	}
	before := sink.len()

	// A second wake-word while Armed must be dropped: no new WakewordEvent.
	ts += 80
	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	for _, e := range sink.events[before:] {
		if e.kind == "WakewordEvent" {
			t.Fatalf("expected no additional WakewordEvent while not Idle")
		}
	}
}

func TestAbortClosesActiveSession(t *testing.T) {
	c, sink := newTestController(Config{ArmedMaxMs: 500000, EOSSilenceMs: 500000, MaxSessionMs: 500000})
	ts := warmUp(t, c, 1000)

	if err := c.ProcessChunk(ts, loudChunkBytes()); err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if c.State() != Armed {
		t.Fatalf("expected Armed, got %v", c.State())
	}

	c.Abort(ReasonClientAbort)

	if c.State() != Idle {
		t.Fatalf("expected Idle after abort, got %v", c.State())
	}
	last := sink.last()
	if last.kind != "UtteranceEnd" || last.data.(EndReason) != ReasonClientAbort {
		t.Fatalf("expected UtteranceEnd(ClientAbort), got %v", last)
	}
}
