//go:build !onnx

package inference

import "math"

// NativeAvailable reports that no ONNX Runtime backend is compiled in. A
// binary built without the onnx tag cannot load models: the NewNative*
// constructors below return ErrModelUnavailable. The stub engines in this
// file are deterministic test doubles.
func NativeAvailable() bool { return false }

// NewNativeMelEngine returns ErrModelUnavailable when built without onnx.
func NewNativeMelEngine(string) (MelEngine, error) { return nil, ErrModelUnavailable }

// NewNativeEmbeddingEngine returns ErrModelUnavailable when built without onnx.
func NewNativeEmbeddingEngine(string) (EmbeddingEngine, error) { return nil, ErrModelUnavailable }

// NewNativeClassifierEngine returns ErrModelUnavailable when built without onnx.
func NewNativeClassifierEngine(string, string) (ClassifierEngine, error) {
	return nil, ErrModelUnavailable
}

// NewNativeVADEngine returns ErrModelUnavailable when built without onnx.
func NewNativeVADEngine(string) (VADEngine, error) { return nil, ErrModelUnavailable }

const melFeatureDim = 32
const embeddingDim = 96
const melFramesPerEngineCall = 5

// StubMelEngine produces deterministic mel-like frames from the mean
// absolute amplitude of the input window, so louder input yields larger
// feature values without requiring a real model — good enough to exercise
// the sliding-window bookkeeping in internal/features without ONNX Runtime
// installed.
type StubMelEngine struct{}

// NewStubMelEngine constructs a StubMelEngine.
func NewStubMelEngine() *StubMelEngine { return &StubMelEngine{} }

func (e *StubMelEngine) Run(samples []float32) ([]MelFeatures, error) {
	level := meanAbs(samples)
	frames := make([]MelFeatures, melFramesPerEngineCall)
	for i := range frames {
		frame := make(MelFeatures, melFeatureDim)
		for f := range frame {
			frame[f] = level
		}
		frames[i] = frame
	}
	return frames, nil
}

func (e *StubMelEngine) Close() error { return nil }

// stubMelBaseline matches the feature pipeline's fixed mel transform offset
// (y = x/10 + 2). A trained embedding model implicitly learns to
// recenter around that constant; this stub subtracts it explicitly so its
// output magnitude tracks actual signal rather than the transform's offset.
// Values below the baseline — the buffer's 1.0 warm-start seed rows, which
// bypass the transform — count as silence, not as negative signal.
const stubMelBaseline = 2.0

// StubEmbeddingEngine averages its 76x32 mel window, recentered around the
// known mel transform baseline, into a 96-dim embedding — mirroring the
// magnitude but not the semantics of a real embedding model.
type StubEmbeddingEngine struct{}

// NewStubEmbeddingEngine constructs a StubEmbeddingEngine.
func NewStubEmbeddingEngine() *StubEmbeddingEngine { return &StubEmbeddingEngine{} }

func (e *StubEmbeddingEngine) Run(melWindow []MelFeatures) (Embedding, error) {
	var sum float64
	var n int
	for _, frame := range melWindow {
		for _, v := range frame {
			if d := float64(v) - stubMelBaseline; d > 0 {
				sum += d
			}
			n++
		}
	}
	mean := float32(0)
	if n > 0 {
		mean = float32(sum / float64(n))
	}
	emb := make(Embedding, embeddingDim)
	for i := range emb {
		emb[i] = mean
	}
	return emb, nil
}

func (e *StubEmbeddingEngine) Close() error { return nil }

// stubClassifierBias shifts the logistic curve so an all-zero (no-signal)
// window scores comfortably below any reasonable threshold instead of
// landing exactly on the sigmoid's 0.5 midpoint.
const stubClassifierBias = 2.0

// StubClassifierEngine squashes the mean embedding magnitude through a
// logistic curve so confidence rises monotonically with input loudness,
// letting tests drive detections deterministically by feeding louder PCM.
type StubClassifierEngine struct {
	name string
	gain float32
}

// NewStubClassifierEngine constructs a classifier stub for one wake-word
// model name. gain controls how quickly confidence saturates toward 1.0;
// callers with no preference should pass 40. Callers driving this engine
// through the real feature extractor (rather than feeding embeddings
// directly) need a much larger gain: a single loud chunk's signal is diluted
// by the 76-frame mel window and the 16-embedding classifier window before
// it reaches here.
func NewStubClassifierEngine(name string, gain float32) *StubClassifierEngine {
	if gain <= 0 {
		gain = 40
	}
	return &StubClassifierEngine{name: name, gain: gain}
}

func (e *StubClassifierEngine) Name() string { return e.name }

func (e *StubClassifierEngine) Run(embeddingWindow []Embedding) (float32, error) {
	var sum float64
	var n int
	for _, emb := range embeddingWindow {
		for _, v := range emb {
			sum += math.Abs(float64(v))
			n++
		}
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}
	return sigmoid(float32(mean)*e.gain - stubClassifierBias), nil
}

func (e *StubClassifierEngine) Close() error { return nil }

// StubVADEngine scores speech presence from the mean absolute amplitude of
// its 512-sample window.
type StubVADEngine struct {
	gain float32
}

// NewStubVADEngine constructs a VAD stub. gain defaults to 20 when <= 0.
func NewStubVADEngine(gain float32) *StubVADEngine {
	if gain <= 0 {
		gain = 20
	}
	return &StubVADEngine{gain: gain}
}

func (e *StubVADEngine) Run(window []float32) (float32, error) {
	// stubClassifierBias keeps exact silence (meanAbs == 0) comfortably below
	// 0.5 instead of landing on the sigmoid's exact midpoint.
	return sigmoid(meanAbs(window)*e.gain - stubClassifierBias), nil
}

func (e *StubVADEngine) Reset()       {}
func (e *StubVADEngine) Close() error { return nil }

func meanAbs(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return float32(sum / float64(len(samples)))
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
