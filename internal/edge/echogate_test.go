package edge

import (
	"encoding/binary"
	"testing"
)

// tone48 builds 48kHz s16le PCM of a constant amplitude.
func tone48(amplitude int16, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

// tone16 builds 16kHz s16le PCM of a constant amplitude.
func tone16(amplitude int16, samples int) []byte {
	return tone48(amplitude, samples)
}

func TestGateSuppressesMatchingEcho(t *testing.T) {
	g := NewEchoGate()
	g.RecordPlayback(tone48(15000, 4800)) // 100ms at 48kHz → 1600 ref samples

	if !g.ShouldSuppress(tone16(15000, 1600)) {
		t.Error("matching mic input not suppressed")
	}
}

func TestGatePassesUncorrelatedInput(t *testing.T) {
	g := NewEchoGate()
	g.RecordPlayback(tone48(15000, 4800))

	// Alternating-sign input is orthogonal to the constant reference.
	mic := make([]byte, 3200)
	for i := 0; i < 1600; i++ {
		v := int16(12000)
		if i%2 == 1 {
			v = -12000
		}
		binary.LittleEndian.PutUint16(mic[i*2:], uint16(v))
	}
	if g.ShouldSuppress(mic) {
		t.Error("uncorrelated input suppressed")
	}
}

func TestGateIdleWithoutPlayback(t *testing.T) {
	g := NewEchoGate()
	if g.ShouldSuppress(tone16(15000, 1600)) {
		t.Error("suppressed with no playback recorded")
	}
}

func TestGateDisabled(t *testing.T) {
	g := NewEchoGate()
	g.SetEnabled(false)
	g.RecordPlayback(tone48(15000, 4800))
	if g.ShouldSuppress(tone16(15000, 1600)) {
		t.Error("disabled gate suppressed input")
	}
}

func TestGateResetDropsReference(t *testing.T) {
	g := NewEchoGate()
	g.RecordPlayback(tone48(15000, 4800))
	g.Reset()
	if g.ShouldSuppress(tone16(15000, 1600)) {
		t.Error("suppressed after reset")
	}
}
