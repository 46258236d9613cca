package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		payload []byte
	}{
		{"empty", SubscribeAudio, nil},
		{"zero-byte", AudioChunk, []byte{}},
		{"small", AudioError, []byte("boom")},
		{"chunk", AudioChunk, EncodeAudioChunk(AudioChunkPayload{TimestampMs: 1000, Data: []byte{1, 2, 3, 4}})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.typ, tc.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(encoded) > MaxPayloadLen+5 {
				t.Fatalf("encoded frame exceeds max + header: %d", len(encoded))
			}
			dec := NewDecoder(bytes.NewReader(encoded))
			frame, err := dec.ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if frame.Type != tc.typ {
				t.Errorf("type = %v, want %v", frame.Type, tc.typ)
			}
			if !bytes.Equal(frame.Payload, tc.payload) && !(len(frame.Payload) == 0 && len(tc.payload) == 0) {
				t.Errorf("payload = %v, want %v", frame.Payload, tc.payload)
			}
		})
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(AudioChunk, make([]byte, MaxPayloadLen+1))
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecodeMaxPayload(t *testing.T) {
	payload := make([]byte, MaxPayloadLen)
	encoded, err := Encode(AudioChunk, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec := NewDecoder(bytes.NewReader(encoded))
	frame, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(frame.Payload) != MaxPayloadLen {
		t.Fatalf("payload len = %d, want %d", len(frame.Payload), MaxPayloadLen)
	}
}

func TestDecodeInvalidType(t *testing.T) {
	// 0x7f is not an assigned tag in any protocol family.
	frame := []byte{0x7f, 0, 0, 0, 0}
	dec := NewDecoder(bytes.NewReader(frame))
	_, err := dec.ReadFrame()
	if err != ErrInvalidType {
		t.Fatalf("err = %v, want ErrInvalidType", err)
	}
}

func TestDecodeTruncatedFrame(t *testing.T) {
	encoded, _ := Encode(AudioChunk, []byte("hello"))
	// Cut the buffer short mid-payload.
	short := encoded[:len(encoded)-2]
	dec := NewDecoder(bytes.NewReader(short))
	_, err := dec.ReadFrame()
	if err == nil {
		t.Fatal("expected truncation error, got nil")
	}
}

func TestDecodeCleanEOFBetweenFrames(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	_, err := dec.ReadFrame()
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestDecodeInvalidUTF8Payload(t *testing.T) {
	_, err := DecodeErrorFrame([]byte{0xff, 0xfe, 0xfd})
	if err != ErrInvalidUTF8 {
		t.Fatalf("err = %v, want ErrInvalidUTF8", err)
	}
}

func TestUtteranceMessagesRoundTrip(t *testing.T) {
	start := UtteranceStartPayload{
		SessionID: "sess-1",
		Preroll:   [][]byte{{1, 2}, {3, 4, 5}},
	}
	got, err := DecodeUtteranceStart(EncodeUtteranceStart(start))
	if err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if got.SessionID != start.SessionID || len(got.Preroll) != len(start.Preroll) {
		t.Fatalf("got %+v, want %+v", got, start)
	}

	chunk := UtteranceChunkPayload{SessionID: "sess-1", Timestamp: 42, Data: []byte("pcm"), SpeechFlag: true}
	gotChunk, err := DecodeUtteranceChunk(EncodeUtteranceChunk(chunk))
	if err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if gotChunk.SessionID != chunk.SessionID || gotChunk.Timestamp != chunk.Timestamp ||
		!bytes.Equal(gotChunk.Data, chunk.Data) || gotChunk.SpeechFlag != chunk.SpeechFlag {
		t.Fatalf("got %+v, want %+v", gotChunk, chunk)
	}

	end := UtteranceEndPayload{SessionID: "sess-1", Reason: ReasonEndOfSpeech}
	gotEnd, err := DecodeUtteranceEnd(EncodeUtteranceEnd(end))
	if err != nil {
		t.Fatalf("decode end: %v", err)
	}
	if gotEnd != end {
		t.Fatalf("got %+v, want %+v", gotEnd, end)
	}
}

func TestWakewordEventRoundTrip(t *testing.T) {
	ev := WakewordEventPayload{TimestampMs: 123456, Confidence: 0.87, Model: "hey_mycroft"}
	got, err := DecodeWakewordEvent(EncodeWakewordEvent(ev))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TimestampMs != ev.TimestampMs || got.Model != ev.Model {
		t.Fatalf("got %+v, want %+v", got, ev)
	}
	if diff := got.Confidence - ev.Confidence; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("confidence = %v, want %v", got.Confidence, ev.Confidence)
	}
}
