// Package device expresses the capture/playback hardware boundary as two
// small interfaces. Production code binds them to malgo; tests bind them to
// an in-memory double. Both implement the capability identically.
package device

import (
	"context"
	"errors"
	"time"
)

// Chunk is an immutable captured audio buffer. len(PCM) is always even.
type Chunk struct {
	PCM        []byte
	TimestampMs int64
	SampleRate int
	Channels   int
}

// ErrDeviceUnavailable is returned by OpenMalgoCapture/OpenMalgoPlayback when
// the device cannot be acquired at startup.
var ErrDeviceUnavailable = errors.New("device: unavailable")

// ErrDeviceFault is returned by ReadChunkTimeout/WriteChunk when the device fails
// during normal operation.
var ErrDeviceFault = errors.New("device: fault")

// Source captures mono s16le PCM at a fixed sample rate.
type Source interface {
	// ReadChunkTimeout blocks for up to timeout waiting for the next chunk.
	// Returns (nil, nil) on timeout with no data, (chunk, nil) on success,
	// or (nil, err) on device fault.
	ReadChunkTimeout(ctx context.Context, timeout time.Duration) (*Chunk, error)
	// Close releases the underlying capture device.
	Close() error
}

// Sink accepts mixed PCM for playback to a single speaker.
type Sink interface {
	// WriteChunk enqueues pcm for playback and returns immediately.
	WriteChunk(pcm []byte) error
	// EndAndWait blocks until all enqueued audio has been played, or ctx is
	// done.
	EndAndWait(ctx context.Context) error
	// Abort drops all queued audio immediately; an in-flight write may still
	// complete.
	Abort() error
	// Close releases the underlying playback device.
	Close() error
}

// SourceFactory lazily opens a Source. The audio fan-out server calls this
// on first subscriber and never before.
type SourceFactory func() (Source, error)

// SinkFactory lazily opens a Sink. The audio fan-out server does not use
// one: audioserver.New takes an already-open Sink, since the playback path is
// always-on for producers.
type SinkFactory func() (Sink, error)
