package edge

import (
	"math"
	"sync"
	"time"
)

// Echo gate defaults: the reference ring holds ~2s of playback (downsampled
// to the 16kHz mic rate), and suppression extends a tail past the last
// played chunk to cover the playback-to-mic latency.
const (
	gateRefSeconds    = 2
	gateRefSamples    = 16000 * gateRefSeconds
	gateTailMs        = 1200
	gateCorrThreshold = 0.55
	gateCorrLagStep   = 160 // 10ms search stride across the reference
)

// EchoGate suppresses wake-word detection while the speaker is (or was just)
// playing, so the runtime does not trigger on its own TTS output. It keeps a
// rolling reference of played audio and flags mic chunks whose normalized
// correlation against the reference is high. The mic path runs at 16kHz and
// playback at 48kHz, so the reference is decimated 3:1 on the way in.
type EchoGate struct {
	mu         sync.Mutex
	ref        []float32
	lastPlayed time.Time
	enabled    bool
}

// NewEchoGate builds an enabled gate.
func NewEchoGate() *EchoGate {
	return &EchoGate{enabled: true}
}

// SetEnabled toggles the gate; disabled it never suppresses.
func (g *EchoGate) SetEnabled(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = v
}

// RecordPlayback feeds played 48kHz s16le PCM into the reference ring.
// Wired as the playback mixer's observer, so every byte the speaker hears
// passes through here.
func (g *EchoGate) RecordPlayback(pcm48 []byte) {
	if len(pcm48) < 2 {
		return
	}
	samples := decimate48to16(pcm48)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return
	}
	g.ref = append(g.ref, samples...)
	if over := len(g.ref) - gateRefSamples; over > 0 {
		g.ref = g.ref[over:]
	}
	g.lastPlayed = time.Now()
}

// ShouldSuppress reports whether a captured 16kHz chunk is dominated by
// speaker echo. False whenever nothing played within the tail window, so a
// quiet room costs one time comparison per chunk.
func (g *EchoGate) ShouldSuppress(mic16 []byte) bool {
	if len(mic16) < 2 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled || len(g.ref) == 0 {
		return false
	}
	if time.Since(g.lastPlayed) > gateTailMs*time.Millisecond {
		g.ref = g.ref[:0]
		return false
	}
	input := pcmToNormalized(mic16)
	return maxLaggedCorrelation(input, g.ref) > gateCorrThreshold
}

// Reset drops the reference, e.g. after a playback Stop.
func (g *EchoGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ref = g.ref[:0]
}

// decimate48to16 converts 48kHz s16le bytes to 16kHz float samples by
// keeping every third sample. Crude next to a real resampler, but the gate
// only compares energy envelopes, not audio fidelity.
func decimate48to16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, 0, n/3+1)
	for i := 0; i < n; i += 3 {
		u := uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8
		out = append(out, float32(int16(u))/32768.0)
	}
	return out
}

func pcmToNormalized(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8
		out[i] = float32(int16(u)) / 32768.0
	}
	return out
}

// maxLaggedCorrelation slides input across ref at gateCorrLagStep strides
// and returns the highest normalized cross-correlation seen.
func maxLaggedCorrelation(input, ref []float32) float64 {
	if len(input) == 0 || len(ref) < len(input) {
		return 0
	}
	best := 0.0
	for lag := 0; lag+len(input) <= len(ref); lag += gateCorrLagStep {
		c := normalizedCorrelation(input, ref[lag:lag+len(input)])
		if c > best {
			best = c
		}
	}
	return best
}

func normalizedCorrelation(a, b []float32) float64 {
	var dot, energyA, energyB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		energyA += float64(a[i]) * float64(a[i])
		energyB += float64(b[i]) * float64(b[i])
	}
	if energyA == 0 || energyB == 0 {
		return 0
	}
	return math.Abs(dot) / math.Sqrt(energyA*energyB)
}
