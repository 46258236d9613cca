package audioserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lokutor-ai/edge-runtime/internal/device"
)

// Playback runs at 48kHz s16 mono.
const (
	playbackSampleRate  = 48000
	playbackBytesPerSec = playbackSampleRate * 2
)

// The internal playback ring starts at 10s and may grow to a hard 60s
// ceiling in 10s increments.
const (
	mixerInitialCap = 10 * playbackBytesPerSec
	mixerGrowStep   = 10 * playbackBytesPerSec
	mixerMaxCap     = 60 * playbackBytesPerSec
)

// pumpChunkBytes is how much queued audio the pump hands the sink per write:
// 50ms keeps the sink's own queue shallow so Abort takes effect quickly.
const pumpChunkBytes = playbackBytesPerSec / 20

// ErrBufferFull is returned by Mixer.Write once the ring has grown to its
// ceiling and still cannot take the payload. Producers must treat it as flow
// control, not a fatal error.
var ErrBufferFull = errors.New("audioserver: playback buffer full")

// ErrMixerClosed is returned by Write after Close.
var ErrMixerClosed = errors.New("audioserver: mixer closed")

// Mixer serializes at most one producer's PCM into the single playback sink.
// Write enqueues and returns immediately; a dedicated pump goroutine feeds
// the device so a slow sink never blocks the producer's socket reader.
type Mixer struct {
	sink device.Sink

	mu      sync.Mutex
	queued  []byte
	cap     int
	closed  bool
	pumping bool

	// onPlayback observes every byte handed to the sink. Used by the echo
	// gate; nil when unused. Called off the producer path, on the pump
	// goroutine.
	onPlayback func([]byte)

	wake chan struct{}
	done chan struct{}
}

// NewMixer starts the pump goroutine over sink. Callers own sink's lifetime;
// Close stops the pump but does not close the sink.
func NewMixer(sink device.Sink) *Mixer {
	m := &Mixer{
		sink: sink,
		cap:  mixerInitialCap,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.pump()
	return m
}

// SetPlaybackObserver registers fn to see every chunk handed to the sink.
// Must be called before any Write.
func (m *Mixer) SetPlaybackObserver(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPlayback = fn
}

// Write enqueues pcm for playback and returns immediately. The ring grows in
// 10s increments up to the 60s ceiling before Write starts failing with
// ErrBufferFull.
func (m *Mixer) Write(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMixerClosed
	}
	need := len(m.queued) + len(pcm)
	for need > m.cap && m.cap < mixerMaxCap {
		m.cap += mixerGrowStep
	}
	if need > m.cap {
		return ErrBufferFull
	}
	m.queued = append(m.queued, pcm...)
	m.signal()
	return nil
}

// Abort drops all queued audio synchronously. A chunk already handed to the
// sink may still play out.
func (m *Mixer) Abort() error {
	m.mu.Lock()
	m.queued = nil
	m.mu.Unlock()
	return m.sink.Abort()
}

// EndAndWait blocks until everything queued at call time has been handed to
// the sink and the sink reports drained, or ctx expires.
func (m *Mixer) EndAndWait(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		idle := len(m.queued) == 0 && !m.pumping
		m.mu.Unlock()
		if idle {
			return m.sink.EndAndWait(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// QueuedBytes reports how much audio is waiting for the sink.
func (m *Mixer) QueuedBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

// Close stops the pump. Queued audio not yet handed to the sink is dropped.
func (m *Mixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.queued = nil
	m.mu.Unlock()
	m.signal()
	<-m.done
	return nil
}

func (m *Mixer) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// pump moves queued audio to the sink in pumpChunkBytes slices. It marks
// itself pumping while a chunk is in flight so EndAndWait cannot observe an
// empty queue mid-write.
func (m *Mixer) pump() {
	defer close(m.done)
	for {
		<-m.wake
		for {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				return
			}
			if len(m.queued) == 0 {
				m.mu.Unlock()
				break
			}
			n := len(m.queued)
			if n > pumpChunkBytes {
				n = pumpChunkBytes
			}
			chunk := make([]byte, n)
			copy(chunk, m.queued[:n])
			m.queued = m.queued[n:]
			m.pumping = true
			observer := m.onPlayback
			m.mu.Unlock()

			err := m.sink.WriteChunk(chunk)
			if observer != nil && err == nil {
				observer(chunk)
			}

			m.mu.Lock()
			m.pumping = false
			m.mu.Unlock()
			if err != nil {
				// Sink fault: drop what's queued; the producer finds out via
				// its next EndOfStream or disconnect.
				m.mu.Lock()
				m.queued = nil
				m.mu.Unlock()
				break
			}
		}
	}
}
