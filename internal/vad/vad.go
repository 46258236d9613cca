// Package vad implements the chunked speech/silence detector with
// hysteresis: a 512-sample-windowed
// neural VAD model wrapped in a 3-state machine that smooths over brief
// dropouts before declaring speech over.
package vad

import (
	"fmt"
	"sync"

	"github.com/lokutor-ai/edge-runtime/internal/inference"
)

// Event is one hysteresis transition or steady-state observation, emitted
// once per 512-sample window analyzed.
type Event int

const (
	NoSpeech Event = iota
	StartedSpeech
	OngoingSpeech
	StoppedSpeech
)

func (e Event) String() string {
	switch e {
	case NoSpeech:
		return "NoSpeech"
	case StartedSpeech:
		return "StartedSpeech"
	case OngoingSpeech:
		return "OngoingSpeech"
	case StoppedSpeech:
		return "StoppedSpeech"
	default:
		return "Unknown"
	}
}

// State is the hysteresis state machine's current phase.
type State int

const (
	Silence State = iota
	Speech
	Trailing
)

// DefaultTrailingFrames is how many consecutive silent 512-sample windows
// (≈160ms) must elapse before Trailing settles back to Silence.
const DefaultTrailingFrames = 5

// Processor wraps a VADEngine with the chunked buffering and hysteresis
// contract the session controller consumes. Not safe for concurrent Analyze calls from more
// than one goroutine; the detector task is the sole writer.
type Processor struct {
	mu sync.Mutex

	engine    inference.VADEngine
	threshold float32

	trailingFrames int
	state          State
	trailingCount  int

	remainder []float32
}

// New builds a Processor. threshold is the speech-probability cutoff;
// trailingFrames <= 0 defaults to DefaultTrailingFrames.
func New(engine inference.VADEngine, threshold float32, trailingFrames int) *Processor {
	if trailingFrames <= 0 {
		trailingFrames = DefaultTrailingFrames
	}
	return &Processor{
		engine:         engine,
		threshold:      threshold,
		trailingFrames: trailingFrames,
		state:          Silence,
	}
}

// Analyze buffers pcm (s16le mono 16kHz), runs inference on every complete
// 512-sample sub-chunk, and reports whether any of them contained speech
// plus the ordered hysteresis events produced. Samples that don't align to
// 512 are retained in remainder and prepended to the next call — every
// sample delivered is eventually classified exactly once.
func (p *Processor) Analyze(pcm []byte) (anySpeech bool, events []Event, err error) {
	samples := inference.PCMToFloat32(pcm)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.remainder = append(p.remainder, samples...)

	for len(p.remainder) >= inference.VADWindowSamples {
		window := p.remainder[:inference.VADWindowSamples]
		p.remainder = append([]float32(nil), p.remainder[inference.VADWindowSamples:]...)

		prob, rerr := p.engine.Run(window)
		if rerr != nil {
			return anySpeech, events, fmt.Errorf("vad: inference: %w", rerr)
		}
		isSpeech := prob >= p.threshold
		if isSpeech {
			anySpeech = true
		}
		events = append(events, p.transition(isSpeech))
	}
	return anySpeech, events, nil
}

// transition advances the hysteresis state machine by one 512-sample
// observation and returns the event it produces.
func (p *Processor) transition(isSpeech bool) Event {
	switch p.state {
	case Silence:
		if isSpeech {
			p.state = Speech
			p.trailingCount = 0
			return StartedSpeech
		}
		return NoSpeech

	case Speech:
		if isSpeech {
			return OngoingSpeech
		}
		p.state = Trailing
		p.trailingCount = 1
		return OngoingSpeech

	case Trailing:
		if isSpeech {
			p.state = Speech
			p.trailingCount = 0
			return OngoingSpeech
		}
		p.trailingCount++
		if p.trailingCount >= p.trailingFrames {
			p.state = Silence
			p.trailingCount = 0
			return StoppedSpeech
		}
		return OngoingSpeech

	default:
		return NoSpeech
	}
}

// State reports the current hysteresis phase.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reset returns the processor to Silence with an empty sample remainder and
// resets the underlying engine's recurrent state.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Silence
	p.trailingCount = 0
	p.remainder = nil
	p.engine.Reset()
}

// Close releases the underlying engine.
func (p *Processor) Close() error {
	return p.engine.Close()
}
