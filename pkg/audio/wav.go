// Package audio holds small PCM container helpers shared by the outbound
// provider clients.
package audio

import (
	"bytes"
	"encoding/binary"
	"time"
)

// WAV header constants for the only format this runtime produces: 16-bit
// mono linear PCM.
const (
	wavHeaderLen   = 44
	pcmFormatTag   = 1
	monoChannels   = 1
	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
)

// NewWavBuffer wraps raw s16le mono PCM in a minimal RIFF/WAVE container so
// HTTP transcription endpoints can detect the sample rate themselves.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderLen+len(pcm)))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(pcmFormatTag))
	binary.Write(buf, binary.LittleEndian, uint16(monoChannels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*bytesPerSample))
	binary.Write(buf, binary.LittleEndian, uint16(bytesPerSample))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// PCMDuration reports how long the given s16le mono PCM plays for at
// sampleRate.
func PCMDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
