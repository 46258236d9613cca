// Package inference wraps the three chained tensor models the feature
// pipeline and classifier drive: mel-spectrogram, embedding, and per-model
// wake-word classifier, plus the separate VAD model. Each is a small
// interface so production code (ONNX Runtime, build-tagged "onnx") and test
// doubles (stub.go) implement the capability identically.
package inference

import "errors"

// ErrModelUnavailable is returned when a native engine is requested but the
// binary was built without the onnx tag, or the model file could not be
// memory-mapped.
var ErrModelUnavailable = errors.New("inference: model unavailable")

// MelFeatures is one 32-dimensional mel-spectrogram frame.
type MelFeatures = []float32

// Embedding is one 96-dimensional embedding vector.
type Embedding = []float32

// MelEngine turns a window of raw PCM samples (as normalized float32) into
// mel-spectrogram frames. One call always yields exactly 5 frames for the
// fixed 1280-sample-plus-lookback window C4 feeds it.
type MelEngine interface {
	Run(samples []float32) ([]MelFeatures, error)
	Close() error
}

// EmbeddingEngine turns exactly 76 stacked mel frames (76x32 = 2432 values)
// into one 96-dim embedding.
type EmbeddingEngine interface {
	Run(melWindow []MelFeatures) (Embedding, error)
	Close() error
}

// ClassifierEngine scores exactly 16 stacked embeddings (16x96 = 1536
// values) against one loaded wake-word model.
type ClassifierEngine interface {
	Name() string
	Run(embeddingWindow []Embedding) (confidence float32, err error)
	Close() error
}

// VADWindowSamples is the fixed window size every VADEngine call expects:
// 512 samples (32ms) at 16kHz, matching Silero VAD's contract.
const VADWindowSamples = 512

// VADEngine scores exactly 512 normalized float32 samples for speech
// presence, mirroring Silero VAD's window contract.
type VADEngine interface {
	Run(window []float32) (speechProb float32, err error)
	Reset()
	Close() error
}

// PCMToFloat32 converts s16le PCM bytes to float32 samples normalized to
// [-1, 1], dividing by 32768 so the full int16 range never exceeds ±1 — the
// one normalization shared by mel, embedding, and VAD inputs alike.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8
		out[i] = float32(int16(u)) / 32768.0
	}
	return out
}
