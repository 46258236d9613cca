// Package wakeword implements the per-model wake-word classifier: confidence thresholding, debounce, and an optional
// VAD post-filter gating detections against a delayed speech-activity
// stream, consuming the embedding windows internal/features assembles.
package wakeword

import (
	"fmt"
	"sync"

	"github.com/lokutor-ai/edge-runtime/internal/inference"
)

// DefaultDebounceMs is the default debounce window after a positive
// detection.
const DefaultDebounceMs = 1000

// predictionBufferCap bounds each model's recent-confidence history.
const predictionBufferCap = 30

// vadHistoryCap is how many chunks of VAD score history are retained; the
// gate looks back [chunk-7, chunk-4], so 8 is the minimum needed.
const vadHistoryCap = 16

// classifierWindowEmbeddings mirrors features.classifierWindowEmbeddings —
// duplicated here instead of imported to avoid a package-layout back-edge
// (features never needs to know about wakeword).
const classifierWindowEmbeddings = 16

// Prediction is one model's scored output for one chunk.
type Prediction struct {
	Model       string
	Confidence  float32
	TimestampMs int64
}

// ModelConfig configures one loaded wake-word model.
type ModelConfig struct {
	Engine     inference.ClassifierEngine
	Threshold  float32
	DebounceMs int64 // <= 0 uses DefaultDebounceMs
}

type modelState struct {
	cfg ModelConfig

	predBuffer      []float32
	suppressedSince int64 // ms; -1 when not suppressed
}

// Classifier runs every configured model's prediction buffer, thresholding,
// debounce, and optional VAD gating.
type Classifier struct {
	mu sync.Mutex

	models []*modelState

	vadGating    bool
	vadThreshold float32
	vadHistory   []float32 // oldest first; newest appended each Process call
}

// Option configures a Classifier at construction time.
type Option func(*Classifier)

// WithVADGate enables the anti-false-positive VAD post-filter.
func WithVADGate(threshold float32) Option {
	return func(c *Classifier) {
		c.vadGating = true
		c.vadThreshold = threshold
	}
}

// New builds a Classifier over the given model configurations.
func New(models []ModelConfig, opts ...Option) *Classifier {
	c := &Classifier{}
	for _, m := range models {
		if m.DebounceMs <= 0 {
			m.DebounceMs = DefaultDebounceMs
		}
		c.models = append(c.models, &modelState{cfg: m, suppressedSince: -1})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process scores one chunk against every loaded model. window is the
// classifier's current embedding window (nil/short means fewer than 16
// embeddings are available — per step 1, every model reports no-detection).
// vadScore is this chunk's VAD speech probability, appended to the gate's
// delayed history regardless of whether gating is enabled, so enabling the
// gate mid-stream has history to consult immediately.
func (c *Classifier) Process(nowMs int64, window []inference.Embedding, vadScore float32) ([]Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vadHistory = append(c.vadHistory, vadScore)
	if over := len(c.vadHistory) - vadHistoryCap; over > 0 {
		c.vadHistory = c.vadHistory[over:]
	}

	if len(window) < classifierWindowEmbeddings {
		return nil, nil
	}

	var detections []Prediction
	for _, m := range c.models {
		confidence, err := m.cfg.Engine.Run(window)
		if err != nil {
			return detections, fmt.Errorf("wakeword: model %q inference: %w", m.cfg.Engine.Name(), err)
		}

		m.predBuffer = append(m.predBuffer, confidence)
		if over := len(m.predBuffer) - predictionBufferCap; over > 0 {
			m.predBuffer = m.predBuffer[over:]
		}

		// Debounce lift: either the window elapsed, or confidence has
		// dropped back under half the threshold, whichever comes first.
		if m.suppressedSince >= 0 {
			elapsed := nowMs - m.suppressedSince
			if elapsed >= m.cfg.DebounceMs || confidence < 0.5*m.cfg.Threshold {
				m.suppressedSince = -1
			}
		}

		if confidence < m.cfg.Threshold {
			continue
		}
		if c.vadGating && !c.vadGatePasses() {
			continue
		}
		if m.suppressedSince >= 0 {
			continue // still debounced
		}

		m.suppressedSince = nowMs
		detections = append(detections, Prediction{
			Model:       m.cfg.Engine.Name(),
			Confidence:  confidence,
			TimestampMs: nowMs,
		})
	}
	return detections, nil
}

// vadGatePasses inspects VAD scores from [chunk-7, chunk-4] (the feature
// pipeline's accumulated latency) and reports whether the maximum meets
// vadThreshold. With fewer than 8 history entries (cold start), the gate is
// inconclusive and allowed to pass — it exists to suppress false positives
// once real history is available, not to block detections during warm-up.
func (c *Classifier) vadGatePasses() bool {
	n := len(c.vadHistory)
	if n < 8 {
		return true
	}
	// index n-1 is "this chunk"; we want offsets -7..-4 inclusive.
	lo := n - 1 - 7
	hi := n - 1 - 4
	if lo < 0 {
		lo = 0
	}
	max := float32(0)
	for i := lo; i <= hi; i++ {
		if c.vadHistory[i] > max {
			max = c.vadHistory[i]
		}
	}
	return max >= c.vadThreshold
}

// FlushPredictionBuffers clears every model's recent-confidence history.
// Called exactly once per UtteranceEnd by internal/session; never flushed
// twice for one session.
func (c *Classifier) FlushPredictionBuffers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.models {
		m.predBuffer = nil
	}
}

// Close releases every loaded model's engine.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for _, m := range c.models {
		if cerr := m.cfg.Engine.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
