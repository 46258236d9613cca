package tts

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/edge-runtime/internal/wire"
)

func TestStreamSynthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		var req map[string]interface{}
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		if req["text"] != "hello" {
			conn.Write(r.Context(), websocket.MessageText, []byte("ERR: bad request"))
			return
		}
		conn.Write(r.Context(), websocket.MessageBinary, []byte{1, 2, 3})
		conn.Write(r.Context(), websocket.MessageBinary, []byte{4, 5, 6})
		conn.Write(r.Context(), websocket.MessageText, []byte("EOS"))
	}))
	defer server.Close()

	c := NewClientForHost("test-key", strings.TrimPrefix(server.URL, "http://"), "ws")
	defer c.Close()

	var audio []byte
	err := c.StreamSynthesize(context.Background(), "hello", "F1", func(chunk []byte) error {
		audio = append(audio, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamSynthesize: %v", err)
	}
	if len(audio) != 6 {
		t.Errorf("audio length = %d, want 6", len(audio))
	}
}

func TestStreamSynthesizeProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")
		var req map[string]interface{}
		wsjson.Read(r.Context(), conn, &req)
		conn.Write(r.Context(), websocket.MessageText, []byte("ERR: voice not found"))
	}))
	defer server.Close()

	c := NewClientForHost("test-key", strings.TrimPrefix(server.URL, "http://"), "ws")
	defer c.Close()

	err := c.StreamSynthesize(context.Background(), "hi", "Z9", func([]byte) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "voice not found") {
		t.Fatalf("err = %v, want provider error", err)
	}
}

// Say streams synthesis into the audio socket as a producer and waits for
// PlaybackComplete.
func TestSpeakerSay(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")
		var req map[string]interface{}
		wsjson.Read(r.Context(), conn, &req)
		conn.Write(r.Context(), websocket.MessageBinary, []byte{9, 9, 9, 9})
		conn.Write(r.Context(), websocket.MessageText, []byte("EOS"))
	}))
	defer provider.Close()

	// Fake audio socket: count Play bytes, answer EndOfStream.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	played := make(chan int, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		dec := wire.NewDecoder(nc)
		total := 0
		for {
			frame, err := dec.ReadFrame()
			if err != nil {
				return
			}
			switch frame.Type {
			case wire.Play:
				total += len(frame.Payload)
			case wire.EndOfStream:
				wire.WriteFrame(nc, wire.PlaybackComplete, wire.EncodeU64(42))
				played <- total
				return
			}
		}
	}()

	c := NewClientForHost("k", strings.TrimPrefix(provider.URL, "http://"), "ws")
	defer c.Close()
	speaker := NewSpeaker(c, ln.Addr().String(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := speaker.Say(ctx, "hello there", ""); err != nil {
		t.Fatalf("Say: %v", err)
	}
	select {
	case total := <-played:
		if total != 4 {
			t.Errorf("played %d bytes, want 4", total)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio socket never saw EndOfStream")
	}
}
