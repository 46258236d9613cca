package wire

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// AudioChunkPayload is the S->C body of an AudioChunk frame:
// [u64 timestamp_ms][u32 data_len][data].
type AudioChunkPayload struct {
	TimestampMs uint64
	Data        []byte
}

// EncodeAudioChunk serializes an AudioChunkPayload.
func EncodeAudioChunk(p AudioChunkPayload) []byte {
	buf := make([]byte, 8+4+len(p.Data))
	binary.LittleEndian.PutUint64(buf[0:8], p.TimestampMs)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(p.Data)))
	copy(buf[12:], p.Data)
	return buf
}

// DecodeAudioChunk parses an AudioChunkPayload, failing on truncation.
func DecodeAudioChunk(payload []byte) (AudioChunkPayload, error) {
	if len(payload) < 12 {
		return AudioChunkPayload{}, ErrTruncatedFrame
	}
	ts := binary.LittleEndian.Uint64(payload[0:8])
	dataLen := binary.LittleEndian.Uint32(payload[8:12])
	if uint32(len(payload)-12) < dataLen {
		return AudioChunkPayload{}, ErrTruncatedFrame
	}
	data := make([]byte, dataLen)
	copy(data, payload[12:12+dataLen])
	return AudioChunkPayload{TimestampMs: ts, Data: data}, nil
}

// EncodeString writes a utf-8 string with explicit u32 length prefix. Error
// frames do not use it (their payload is the bare string), and the message
// encoders below write their prefixed string fields inline.
func EncodeString(s string) []byte {
	buf := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

// DecodeString parses a length-prefixed utf-8 string, validating encoding.
func DecodeString(payload []byte) (string, error) {
	if len(payload) < 4 {
		return "", ErrTruncatedFrame
	}
	n := binary.LittleEndian.Uint32(payload[0:4])
	if uint32(len(payload)-4) < n {
		return "", ErrTruncatedFrame
	}
	s := payload[4 : 4+n]
	if !utf8.Valid(s) {
		return "", ErrInvalidUTF8
	}
	return string(s), nil
}

// DecodeErrorFrame parses a bare (no length-prefix) utf-8 Error payload, as
// used by the 0x11/0x31 Error frames.
func DecodeErrorFrame(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", ErrInvalidUTF8
	}
	return string(payload), nil
}

// PlaybackControlPayload is the C->S body of Stop/EndOfStream:
// [u64 timestamp_ms].
type PlaybackControlPayload struct {
	TimestampMs uint64
}

func EncodePlaybackControl(p PlaybackControlPayload) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.TimestampMs)
	return buf
}

func DecodePlaybackControl(payload []byte) (PlaybackControlPayload, error) {
	if len(payload) < 8 {
		return PlaybackControlPayload{}, ErrTruncatedFrame
	}
	return PlaybackControlPayload{TimestampMs: binary.LittleEndian.Uint64(payload[0:8])}, nil
}

// EncodeU64 encodes a single u64, used for PlaybackComplete's body.
func EncodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func DecodeU64(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, ErrTruncatedFrame
	}
	return binary.LittleEndian.Uint64(payload[0:8]), nil
}

// SubscriptionKind distinguishes the three subscriber kinds.
type SubscriptionKind uint8

const (
	KindWakewordOnly SubscriptionKind = iota
	KindWakewordPlusUtterance
	KindRawAudio
)

// EncodeSubscribeEvents serializes the Subscribe(kind) body: [u8 kind].
func EncodeSubscribeEvents(kind SubscriptionKind) []byte {
	return []byte{byte(kind)}
}

func DecodeSubscribeEvents(payload []byte) (SubscriptionKind, error) {
	if len(payload) < 1 {
		return 0, ErrTruncatedFrame
	}
	return SubscriptionKind(payload[0]), nil
}

// WakewordEventPayload is the S->C body of WakewordEvent:
// [u64 ts][f32 conf][u32 name_len][name].
type WakewordEventPayload struct {
	TimestampMs uint64
	Confidence  float32
	Model       string
}

func EncodeWakewordEvent(p WakewordEventPayload) []byte {
	name := []byte(p.Model)
	buf := make([]byte, 8+4+4+len(name))
	binary.LittleEndian.PutUint64(buf[0:8], p.TimestampMs)
	binary.LittleEndian.PutUint32(buf[8:12], float32bits(p.Confidence))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(name)))
	copy(buf[16:], name)
	return buf
}

func DecodeWakewordEvent(payload []byte) (WakewordEventPayload, error) {
	if len(payload) < 16 {
		return WakewordEventPayload{}, ErrTruncatedFrame
	}
	ts := binary.LittleEndian.Uint64(payload[0:8])
	conf := float32frombits(binary.LittleEndian.Uint32(payload[8:12]))
	nameLen := binary.LittleEndian.Uint32(payload[12:16])
	if uint32(len(payload)-16) < nameLen {
		return WakewordEventPayload{}, ErrTruncatedFrame
	}
	name := payload[16 : 16+nameLen]
	if !utf8.Valid(name) {
		return WakewordEventPayload{}, ErrInvalidUTF8
	}
	return WakewordEventPayload{TimestampMs: ts, Confidence: conf, Model: string(name)}, nil
}

// UtteranceEndReason enumerates the terminal session reasons.
type UtteranceEndReason uint8

const (
	ReasonEndOfSpeech UtteranceEndReason = iota
	ReasonSilenceTimeout
	ReasonMaxDuration
	ReasonNoSpeechTimeout
	ReasonClientAbort
	ReasonServerError
)

// UtteranceStartPayload carries the session id and pre-roll chunks.
type UtteranceStartPayload struct {
	SessionID string
	Preroll   [][]byte
}

func EncodeUtteranceStart(p UtteranceStartPayload) []byte {
	sid := []byte(p.SessionID)
	size := 4 + len(sid) + 4
	for _, c := range p.Preroll {
		size += 4 + len(c)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(sid)))
	off += 4
	copy(buf[off:], sid)
	off += len(sid)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(p.Preroll)))
	off += 4
	for _, c := range p.Preroll {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(c)))
		off += 4
		copy(buf[off:], c)
		off += len(c)
	}
	return buf
}

func DecodeUtteranceStart(payload []byte) (UtteranceStartPayload, error) {
	off := 0
	if len(payload) < 4 {
		return UtteranceStartPayload{}, ErrTruncatedFrame
	}
	sidLen := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < sidLen {
		return UtteranceStartPayload{}, ErrTruncatedFrame
	}
	sid := payload[off : off+int(sidLen)]
	if !utf8.Valid(sid) {
		return UtteranceStartPayload{}, ErrInvalidUTF8
	}
	off += int(sidLen)

	if len(payload)-off < 4 {
		return UtteranceStartPayload{}, ErrTruncatedFrame
	}
	count := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4

	preroll := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(payload)-off < 4 {
			return UtteranceStartPayload{}, ErrTruncatedFrame
		}
		clen := binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		if uint32(len(payload)-off) < clen {
			return UtteranceStartPayload{}, ErrTruncatedFrame
		}
		chunk := make([]byte, clen)
		copy(chunk, payload[off:off+int(clen)])
		off += int(clen)
		preroll = append(preroll, chunk)
	}

	return UtteranceStartPayload{SessionID: string(sid), Preroll: preroll}, nil
}

// UtteranceChunkPayload is one live session chunk: session_id + ts + data +
// speech_flag.
type UtteranceChunkPayload struct {
	SessionID  string
	Timestamp  uint64
	Data       []byte
	SpeechFlag bool
}

func EncodeUtteranceChunk(p UtteranceChunkPayload) []byte {
	sid := []byte(p.SessionID)
	buf := make([]byte, 4+len(sid)+8+1+4+len(p.Data))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(sid)))
	off += 4
	copy(buf[off:], sid)
	off += len(sid)
	binary.LittleEndian.PutUint64(buf[off:off+8], p.Timestamp)
	off += 8
	if p.SpeechFlag {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(p.Data)))
	off += 4
	copy(buf[off:], p.Data)
	return buf
}

func DecodeUtteranceChunk(payload []byte) (UtteranceChunkPayload, error) {
	off := 0
	if len(payload) < 4 {
		return UtteranceChunkPayload{}, ErrTruncatedFrame
	}
	sidLen := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < sidLen {
		return UtteranceChunkPayload{}, ErrTruncatedFrame
	}
	sid := payload[off : off+int(sidLen)]
	if !utf8.Valid(sid) {
		return UtteranceChunkPayload{}, ErrInvalidUTF8
	}
	off += int(sidLen)

	if len(payload)-off < 8+1+4 {
		return UtteranceChunkPayload{}, ErrTruncatedFrame
	}
	ts := binary.LittleEndian.Uint64(payload[off : off+8])
	off += 8
	flag := payload[off] != 0
	off++
	dataLen := binary.LittleEndian.Uint32(payload[off : off+4])
	off += 4
	if uint32(len(payload)-off) < dataLen {
		return UtteranceChunkPayload{}, ErrTruncatedFrame
	}
	data := make([]byte, dataLen)
	copy(data, payload[off:off+int(dataLen)])

	return UtteranceChunkPayload{SessionID: string(sid), Timestamp: ts, Data: data, SpeechFlag: flag}, nil
}

// UtteranceEndPayload carries the session id and terminal reason.
type UtteranceEndPayload struct {
	SessionID string
	Reason    UtteranceEndReason
}

func EncodeUtteranceEnd(p UtteranceEndPayload) []byte {
	sid := []byte(p.SessionID)
	buf := make([]byte, 4+len(sid)+1)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(sid)))
	copy(buf[4:], sid)
	buf[4+len(sid)] = byte(p.Reason)
	return buf
}

func DecodeUtteranceEnd(payload []byte) (UtteranceEndPayload, error) {
	if len(payload) < 4 {
		return UtteranceEndPayload{}, ErrTruncatedFrame
	}
	sidLen := binary.LittleEndian.Uint32(payload[0:4])
	if uint32(len(payload)-4) < sidLen+1 {
		return UtteranceEndPayload{}, ErrTruncatedFrame
	}
	sid := payload[4 : 4+sidLen]
	if !utf8.Valid(sid) {
		return UtteranceEndPayload{}, ErrInvalidUTF8
	}
	reason := UtteranceEndReason(payload[4+sidLen])
	return UtteranceEndPayload{SessionID: string(sid), Reason: reason}, nil
}

func float32bits(f float32) uint32 {
	return math.Float32bits(f)
}

func float32frombits(b uint32) float32 {
	return math.Float32frombits(b)
}
