// Package session implements the utterance session controller: the state machine gluing wake-word detection, pre-roll
// capture, and VAD-driven end-of-speech into a labeled session delivered to
// subscribers.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/edge-runtime/internal/features"
	"github.com/lokutor-ai/edge-runtime/internal/logging"
	"github.com/lokutor-ai/edge-runtime/internal/vad"
	"github.com/lokutor-ai/edge-runtime/internal/wakeword"
)

// State is the controller's top-level phase.
type State int

const (
	Idle State = iota
	Armed
	Capturing
	Finalizing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Armed:
		return "Armed"
	case Capturing:
		return "Capturing"
	case Finalizing:
		return "Finalizing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// EndReason enumerates why a session's Finalizing state was entered,
// mirroring the wire protocol's UtteranceEnd reason byte.
type EndReason int

const (
	ReasonEndOfSpeech EndReason = iota
	ReasonSilenceTimeout
	ReasonMaxDuration
	ReasonNoSpeechTimeout
	ReasonClientAbort
	ReasonServerError
)

// Sink receives the ordered session event stream. Implementations (e.g.
// internal/eventserver) must preserve per-subscriber ordering themselves;
// the controller only guarantees it calls Sink methods in the canonical
// order WakewordEvent ≺ UtteranceStart ≺ UtteranceChunk* ≺ UtteranceEnd.
type Sink interface {
	WakewordEvent(model string, confidence float32, tsMs int64)
	UtteranceStart(sessionID string, preroll [][]byte, tsMs int64)
	UtteranceChunk(sessionID string, tsMs int64, data []byte, speechFlag bool)
	UtteranceEnd(sessionID string, reason EndReason)
}

// Config holds the controller's tunable defaults.
type Config struct {
	// PrerollChunks is how many recently-captured chunks are snapshotted
	// into a new session's pre-roll. Default 64 (~5s at 80ms/chunk).
	PrerollChunks int
	// ArmedMaxMs bounds how long Armed waits for StartedSpeech before
	// finalizing as NoSpeechTimeout. Default 4000.
	ArmedMaxMs int64
	// EOSSilenceMs is how much silence after the last detected speech ends
	// a Capturing session. Default 4000.
	EOSSilenceMs int64
	// MaxSessionMs bounds total session lifetime. Default 60000.
	MaxSessionMs int64
}

func (c *Config) setDefaults() {
	if c.PrerollChunks <= 0 {
		c.PrerollChunks = 64
	}
	if c.ArmedMaxMs <= 0 {
		c.ArmedMaxMs = 4000
	}
	if c.EOSSilenceMs <= 0 {
		c.EOSSilenceMs = 4000
	}
	if c.MaxSessionMs <= 0 {
		c.MaxSessionMs = 60000
	}
}

// activeSession is the single in-flight Utterance Session.
type activeSession struct {
	id        string
	wakeword  string
	startedAt int64
	preroll   [][]byte

	silenceMsSinceLastSpeech int64
	lastChunkAt              int64

	armedTimer      *time.Timer
	maxSessionTimer *time.Timer
}

// Controller owns the detection pipeline taps (feature extractor, wake-word
// classifier, VAD) and the single active session. At most one session is
// ever active at a time.
type Controller struct {
	mu sync.Mutex

	extractor  *features.Extractor
	classifier *wakeword.Classifier
	vadProc    *vad.Processor
	sink       Sink
	log        logging.Logger
	cfg        Config

	state   State
	session *activeSession

	prerollRing [][]byte
	lastVadProb float32
}

// New builds a Controller. sink receives the ordered event stream.
func New(extractor *features.Extractor, classifier *wakeword.Classifier, vadProc *vad.Processor, sink Sink, cfg Config, opts ...Option) *Controller {
	cfg.setDefaults()
	c := &Controller{
		extractor:  extractor,
		classifier: classifier,
		vadProc:    vadProc,
		sink:       sink,
		cfg:        cfg,
		log:        logging.NoOpLogger{},
		state:      Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// State reports the controller's current top-level phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProcessChunk feeds one captured chunk (tsMs is its capture timestamp,
// pcm its s16le mono 16kHz payload) through the detection pipeline and
// advances the session state machine. Called from the single detector task;
// not safe to call concurrently.
func (c *Controller) ProcessChunk(tsMs int64, pcm []byte) error {
	anySpeech, vadEvents, err := c.vadProc.Analyze(pcm)
	if err != nil {
		return fmt.Errorf("session: vad: %w", err)
	}

	embeddings, err := c.extractor.Write(pcm)
	if err != nil {
		return fmt.Errorf("session: feature extraction: %w", err)
	}
	_ = embeddings // side effect already recorded in the embedding buffer

	c.mu.Lock()
	defer c.mu.Unlock()

	c.appendPreroll(pcm)

	if anySpeech {
		// Representative VAD score for this chunk's classifier gate —
		// 1.0 when any window in the chunk detected speech, 0.0 when
		// every window was silent; a chunk that completes no window keeps
		// the previous score, since VAD windows (512) and classifier
		// chunks (1280) don't align exactly.
		c.lastVadProb = 1.0
	} else if len(vadEvents) > 0 {
		c.lastVadProb = 0.0
	}

	window, _ := c.extractor.ClassifierWindow()
	preds, err := c.classifier.Process(tsMs, window, c.lastVadProb)
	if err != nil {
		return fmt.Errorf("session: classifier: %w", err)
	}

	switch c.state {
	case Idle:
		if len(preds) > 0 && !c.extractor.Ignoring() {
			c.armSession(tsMs, preds[0])
		}

	case Armed:
		if len(preds) > 0 {
			c.log.Warn("session: wake-word detected while not idle, dropped", "model", preds[0].Model)
		}
		// StartedSpeech is the normal trigger; speech already in flight when
		// the session armed (wake-word spoken in one breath with the command)
		// never re-emits it, so ongoing speech counts as started too.
		if hasEvent(vadEvents, vad.StartedSpeech) || anySpeech {
			c.beginCapturing(tsMs)
			c.deliverChunk(tsMs, pcm, anySpeech)
		} else if tsMs-c.session.startedAt >= c.cfg.ArmedMaxMs {
			c.finalizeLocked(ReasonNoSpeechTimeout)
		}

	case Capturing:
		if len(preds) > 0 {
			c.log.Warn("session: wake-word detected while capturing, dropped", "model", preds[0].Model)
		}
		c.deliverChunk(tsMs, pcm, anySpeech)
		c.updateSilenceLocked(tsMs, anySpeech)

		switch {
		case hasEvent(vadEvents, vad.StoppedSpeech):
			c.finalizeLocked(ReasonEndOfSpeech)
		case c.session.silenceMsSinceLastSpeech >= c.cfg.EOSSilenceMs:
			c.finalizeLocked(ReasonSilenceTimeout)
		case tsMs-c.session.startedAt >= c.cfg.MaxSessionMs:
			c.finalizeLocked(ReasonMaxDuration)
		}
	}

	return nil
}

// appendPreroll maintains the always-on rolling buffer of recent chunks used
// to seed a new session's pre-roll.
func (c *Controller) appendPreroll(pcm []byte) {
	cp := append([]byte(nil), pcm...)
	c.prerollRing = append(c.prerollRing, cp)
	if over := len(c.prerollRing) - c.cfg.PrerollChunks; over > 0 {
		c.prerollRing = c.prerollRing[over:]
	}
}

func hasEvent(events []vad.Event, target vad.Event) bool {
	for _, e := range events {
		if e == target {
			return true
		}
	}
	return false
}

// armSession transitions Idle → Armed: emits WakewordEvent, snapshots
// pre-roll, and starts the hard armed_max_ms timer.
func (c *Controller) armSession(tsMs int64, pred wakeword.Prediction) {
	id := uuid.New().String()
	preroll := append([][]byte(nil), c.prerollRing...)

	c.session = &activeSession{
		id:          id,
		wakeword:    pred.Model,
		startedAt:   tsMs,
		preroll:     preroll,
		lastChunkAt: tsMs,
	}
	c.state = Armed

	c.sink.WakewordEvent(pred.Model, pred.Confidence, tsMs)
	c.sink.UtteranceStart(id, preroll, tsMs)

	c.session.armedTimer = time.AfterFunc(time.Duration(c.cfg.ArmedMaxMs)*time.Millisecond, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == Armed && c.session != nil && c.session.id == id {
			c.finalizeLocked(ReasonNoSpeechTimeout)
		}
	})
	c.session.maxSessionTimer = time.AfterFunc(time.Duration(c.cfg.MaxSessionMs)*time.Millisecond, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if (c.state == Armed || c.state == Capturing) && c.session != nil && c.session.id == id {
			c.finalizeLocked(ReasonMaxDuration)
		}
	})
}

// beginCapturing transitions Armed → Capturing on the first speech the VAD
// reports while Armed (StartedSpeech or speech already in progress).
func (c *Controller) beginCapturing(tsMs int64) {
	c.state = Capturing
	if c.session.armedTimer != nil {
		c.session.armedTimer.Stop()
	}
	c.session.lastChunkAt = tsMs
	c.session.silenceMsSinceLastSpeech = 0
}

// deliverChunk forwards one captured chunk to subscribers as an
// UtteranceChunk.
func (c *Controller) deliverChunk(tsMs int64, pcm []byte, speechFlag bool) {
	c.sink.UtteranceChunk(c.session.id, tsMs, pcm, speechFlag)
}

// updateSilenceLocked tracks silence_ms_since_last_speech using the gap
// between consecutive chunk timestamps, resetting on any detected speech.
func (c *Controller) updateSilenceLocked(tsMs int64, anySpeech bool) {
	elapsed := tsMs - c.session.lastChunkAt
	if elapsed < 0 {
		elapsed = 0
	}
	c.session.lastChunkAt = tsMs
	if anySpeech {
		c.session.silenceMsSinceLastSpeech = 0
	} else {
		c.session.silenceMsSinceLastSpeech += elapsed
	}
}

// finalizeLocked enters Finalizing, emits UtteranceEnd exactly once, flushes
// the classifier's prediction buffers exactly once, and returns the controller to Idle for the next
// wake-word. Caller must hold c.mu.
func (c *Controller) finalizeLocked(reason EndReason) {
	if c.session == nil {
		return
	}
	c.state = Finalizing
	if c.session.armedTimer != nil {
		c.session.armedTimer.Stop()
	}
	if c.session.maxSessionTimer != nil {
		c.session.maxSessionTimer.Stop()
	}

	c.sink.UtteranceEnd(c.session.id, reason)
	c.classifier.FlushPredictionBuffers()

	c.session = nil
	c.state = Idle
}

// Abort forcibly closes any active session with the given reason — used for
// client disconnect or an explicit operator abort.
func (c *Controller) Abort(reason EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	c.finalizeLocked(reason)
}
