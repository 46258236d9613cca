// Package features implements the mel-spectrogram/embedding sliding-window
// pipeline: a continuous stream of s16 mono 16 kHz PCM in, a
// lazy sequence of 96-feature embeddings out. This is the hard part of the
// system — two overlapping sliding buffers, precise stride bookkeeping, and
// a warm-up gate the wake-word classifier depends on.
package features

import (
	"fmt"
	"sync"

	"github.com/lokutor-ai/edge-runtime/internal/inference"
	"github.com/lokutor-ai/edge-runtime/internal/logging"
)

const (
	// ChunkSamples is the fixed input granularity: 1280 samples (~80ms) at
	// 16kHz.
	ChunkSamples = 1280

	// lookbackSamples is the left-context window prepended to each chunk
	// before it's handed to the mel model.
	lookbackSamples = 480

	// melWindowFrames is the fixed number of mel frames the embedding model
	// consumes per call (76 frames at a stride of 8 per chunk).
	melWindowFrames = 76

	// embeddingStrideFrames is the number of mel frames the embedding
	// window advances by per 1280-sample chunk.
	embeddingStrideFrames = 8

	// classifierWindowEmbeddings is how many embeddings the wake-word
	// classifier stacks per prediction.
	classifierWindowEmbeddings = 16

	// melBufferCap bounds melBuffer to ~10s (970 frames).
	melBufferCap = 970

	// embeddingBufferCap bounds embedBuf to 120 entries.
	embeddingBufferCap = 120

	// rawRingSeconds is the nominal capacity of rawRing; tracked as a
	// sample count at 16kHz.
	rawRingSamples = 10 * 16000
)

// melInputSamples is the fixed window size fed to the mel model per chunk:
// 480 samples of left context plus 1280 new samples.
const melInputSamples = lookbackSamples + ChunkSamples

// Extractor owns the single-writer feature buffers of the detection
// pipeline. Never share an Extractor
// across goroutines other than the one detector task that calls Write.
type Extractor struct {
	mu sync.Mutex

	mel       inference.MelEngine
	embedding inference.EmbeddingEngine
	log       logging.Logger

	remainder []float32 // not-yet-chunked samples carried across Write calls
	lookback  []float32 // last lookbackSamples raw samples, for left context

	rawRing []float32 // bounded raw sample history

	melBuffer []inference.MelFeatures // bounded mel frame history
	embedBuf  []inference.Embedding   // bounded embedding_buffer

	chunkIndex int64 // lifetime count of 1280-sample chunks processed
	skipEvery  int   // embedding frame-skip factor: 1 (always) or 2

	ignore bool // soft_reset's detector-ignore flag
}

// Option configures an Extractor at construction time.
type Option func(*Extractor)

// WithSkipEvery sets the embedding frame-skip factor. n <= 1 disables skipping; n == 2 runs the embedding model
// on every other chunk once the classifier's warm-up window is full.
func WithSkipEvery(n int) Option {
	return func(e *Extractor) {
		if n < 1 {
			n = 1
		}
		e.skipEvery = n
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Extractor) { e.log = l }
}

// New builds an Extractor around the given mel and embedding engines and
// seeds the mel buffer per Reset's warm-start convention.
func New(mel inference.MelEngine, embedding inference.EmbeddingEngine, opts ...Option) *Extractor {
	e := &Extractor{
		mel:       mel,
		embedding: embedding,
		log:       logging.NoOpLogger{},
		skipEvery: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resetLocked()
	return e
}

// Write appends pcm (s16le mono 16kHz) to the pipeline, advancing the
// sliding windows, and returns any newly-computed embeddings in chronological
// order. Because reset seeds the mel buffer with a full embedding window,
// exactly one embedding is emitted per 1280 input samples from the first
// chunk on (or every other chunk after warm-up when frame-skipping is
// enabled); ClassifierWindow stays unavailable until 16 embeddings exist.
func (e *Extractor) Write(pcm []byte) ([]inference.Embedding, error) {
	samples := inference.PCMToFloat32(pcm)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.appendRawRing(samples)
	e.remainder = append(e.remainder, samples...)

	newChunks := 0
	for len(e.remainder) >= ChunkSamples {
		chunk := e.remainder[:ChunkSamples]
		e.remainder = append([]float32(nil), e.remainder[ChunkSamples:]...)

		window := e.buildMelWindow(chunk)
		melOut, err := e.mel.Run(window)
		if err != nil {
			return nil, fmt.Errorf("features: mel inference: %w", err)
		}
		e.pushMelFrames(melOut)
		e.advanceLookback(chunk)
		e.chunkIndex++
		newChunks++
	}

	if newChunks == 0 {
		return nil, nil
	}

	return e.computeEmbeddings(newChunks)
}

// buildMelWindow concatenates the current lookback with the new chunk,
// left-padding with zeros if lookback hasn't filled yet (only possible
// immediately after a Reset).
func (e *Extractor) buildMelWindow(chunk []float32) []float32 {
	window := make([]float32, 0, melInputSamples)
	pad := lookbackSamples - len(e.lookback)
	for i := 0; i < pad; i++ {
		window = append(window, 0)
	}
	window = append(window, e.lookback...)
	window = append(window, chunk...)
	return window
}

// advanceLookback keeps the trailing lookbackSamples raw samples available
// as left-context for the next chunk.
func (e *Extractor) advanceLookback(chunk []float32) {
	combined := append(append([]float32(nil), e.lookback...), chunk...)
	if len(combined) > lookbackSamples {
		combined = combined[len(combined)-lookbackSamples:]
	}
	e.lookback = combined
}

func (e *Extractor) appendRawRing(samples []float32) {
	e.rawRing = append(e.rawRing, samples...)
	if over := len(e.rawRing) - rawRingSamples; over > 0 {
		e.rawRing = e.rawRing[over:]
	}
}

// melTransformScale / melTransformOffset implement the trained reference's
// fixed mel output transform y = x/10 + 2. These constants are inherited
// from the trained model and must never change without retraining.
const (
	melTransformScale  = 1.0 / 10.0
	melTransformOffset = 2.0
)

// melWarmStartSeed is the raw constant the mel buffer is reseeded with: 76
// rows of 1.0, exactly the warm-start the embedding model was trained
// against. Seed rows deliberately bypass the mel transform above — real
// frames enter the buffer post-transform, seeds do not.
const melWarmStartSeed = 1.0

func (e *Extractor) pushMelFrames(frames []inference.MelFeatures) {
	for _, frame := range frames {
		transformed := make(inference.MelFeatures, len(frame))
		for i, v := range frame {
			transformed[i] = v*melTransformScale + melTransformOffset
		}
		e.melBuffer = append(e.melBuffer, transformed)
	}
	if over := len(e.melBuffer) - melBufferCap; over > 0 {
		e.log.Warn("features: mel buffer overflow, dropping oldest frames", "dropped", over)
		e.melBuffer = e.melBuffer[over:]
	}
}

// computeEmbeddings runs the embedding model for each of the newChunks
// windows formed in this Write call, oldest first, honoring the skipEvery
// frame-skip factor once the classifier's warm-up is satisfied.
func (e *Extractor) computeEmbeddings(newChunks int) ([]inference.Embedding, error) {
	length := len(e.melBuffer)
	var out []inference.Embedding

	for i := newChunks - 1; i >= 0; i-- {
		end := length - embeddingStrideFrames*i
		start := end - melWindowFrames
		if start < 0 {
			// Warm-up: not enough mel history yet for this window.
			continue
		}

		chunkIdxForThisWindow := e.chunkIndex - int64(i)
		warmedUp := len(e.embedBuf) >= classifierWindowEmbeddings
		if warmedUp && e.skipEvery > 1 && chunkIdxForThisWindow%int64(e.skipEvery) != 0 {
			continue
		}

		window := e.melBuffer[start:end]
		emb, err := e.embedding.Run(window)
		if err != nil {
			return out, fmt.Errorf("features: embedding inference: %w", err)
		}
		e.pushEmbedding(emb)
		out = append(out, emb)
	}
	return out, nil
}

func (e *Extractor) pushEmbedding(emb inference.Embedding) {
	e.embedBuf = append(e.embedBuf, emb)
	if over := len(e.embedBuf) - embeddingBufferCap; over > 0 {
		e.embedBuf = e.embedBuf[over:]
	}
}

// ClassifierWindow returns the last 16 embeddings for classifier input, and
// false if fewer than 16 are available.
func (e *Extractor) ClassifierWindow() ([]inference.Embedding, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.embedBuf) < classifierWindowEmbeddings {
		return nil, false
	}
	window := e.embedBuf[len(e.embedBuf)-classifierWindowEmbeddings:]
	out := make([]inference.Embedding, len(window))
	copy(out, window)
	return out, true
}

// EmbeddingCount reports how many embeddings are currently buffered.
func (e *Extractor) EmbeddingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.embedBuf)
}

// Reset drops both buffers and reseeds the mel buffer with 76 rows of
// constant 1.0, matching the trained reference's warm-start convention.
func (e *Extractor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Extractor) resetLocked() {
	e.remainder = nil
	e.lookback = nil
	e.rawRing = nil
	e.chunkIndex = 0

	seed := make([]inference.MelFeatures, melWindowFrames)
	for i := range seed {
		row := make(inference.MelFeatures, 32)
		for j := range row {
			row[j] = melWarmStartSeed
		}
		seed[i] = row
	}
	e.melBuffer = seed
	e.embedBuf = nil
}

// SoftReset clears only the detector-ignore flag, without rebuilding mel or
// embedding context.
func (e *Extractor) SoftReset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignore = false
}

// SetIgnoring sets the detector-ignore flag, e.g. while a session is active
// and new wake-word detections should be suppressed.
func (e *Extractor) SetIgnoring(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignore = v
}

// Ignoring reports the current detector-ignore flag.
func (e *Extractor) Ignoring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ignore
}

// Close releases the underlying tensor engines.
func (e *Extractor) Close() error {
	var err error
	if cerr := e.mel.Close(); cerr != nil {
		err = cerr
	}
	if cerr := e.embedding.Close(); cerr != nil {
		err = cerr
	}
	return err
}
