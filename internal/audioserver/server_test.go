package audioserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lokutor-ai/edge-runtime/internal/device"
	"github.com/lokutor-ai/edge-runtime/internal/wire"
)

// testServer starts a Server on an ephemeral port backed by a MemorySource
// and MemorySink, returning the pieces tests poke at.
func testServer(t *testing.T) (*Server, *device.MemorySource, *device.MemorySink, *atomic.Int32, context.CancelFunc) {
	t.Helper()
	src := device.NewMemorySource()
	sink := device.NewMemorySink()
	var opens atomic.Int32
	factory := func() (device.Source, error) {
		opens.Add(1)
		return src, nil
	}

	srv := New(Config{Addr: "127.0.0.1:0"}, factory, sink)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(cancel)
	return srv, src, sink, &opens, cancel
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })
	return nc
}

func subscribe(t *testing.T, nc net.Conn) *wire.Decoder {
	t.Helper()
	if err := wire.WriteFrame(nc, wire.SubscribeAudio, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return wire.NewDecoder(nc)
}

func waitSubscribers(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for srv.SubscriberCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count = %d, want %d", srv.SubscriberCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func chunkOf(b byte, n int, ts int64) device.Chunk {
	return device.Chunk{PCM: bytes.Repeat([]byte{b, 0}, n/2), TimestampMs: ts, SampleRate: 16000, Channels: 1}
}

// E1: one consumer receives every captured chunk, payloads intact and
// timestamps monotonically increasing.
func TestSingleConsumerReceivesAllChunks(t *testing.T) {
	srv, src, _, _, _ := testServer(t)

	nc := dial(t, srv)
	dec := subscribe(t, nc)
	waitSubscribers(t, srv, 1)

	for i := 0; i < 10; i++ {
		src.Feed(chunkOf(byte(i+1), 2560, int64(1000+32*i)))
	}

	var lastTs uint64
	for i := 0; i < 10; i++ {
		nc.SetReadDeadline(time.Now().Add(3 * time.Second))
		frame, err := dec.ReadFrame()
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if frame.Type != wire.AudioChunk {
			t.Fatalf("chunk %d: type = 0x%02x", i, byte(frame.Type))
		}
		p, err := wire.DecodeAudioChunk(frame.Payload)
		if err != nil {
			t.Fatalf("chunk %d decode: %v", i, err)
		}
		if len(p.Data) != 2560 || p.Data[0] != byte(i+1) {
			t.Errorf("chunk %d: payload mismatch (len %d, first byte %d)", i, len(p.Data), p.Data[0])
		}
		if p.TimestampMs <= lastTs {
			t.Errorf("chunk %d: timestamp %d not increasing past %d", i, p.TimestampMs, lastTs)
		}
		lastTs = p.TimestampMs
	}
}

// E2: a consumer that never reads is condemned by queue overflow while a
// healthy consumer keeps receiving, leaving subscriber count at 1.
func TestBlockedConsumerCondemned(t *testing.T) {
	srv, src, _, _, _ := testServer(t)

	healthy := dial(t, srv)
	healthyDec := subscribe(t, healthy)
	blocked := dial(t, srv)
	subscribe(t, blocked) // never read from it again
	waitSubscribers(t, srv, 2)

	// Enough audio to fill the blocked client's socket buffers, its frame
	// queue, and the five-overflow condemnation budget. Drain the healthy
	// side concurrently so its own queue never overflows.
	done := make(chan int)
	go func() {
		n := 0
		dec := healthyDec
		for {
			healthy.SetReadDeadline(time.Now().Add(2 * time.Second))
			frame, err := dec.ReadFrame()
			if err != nil {
				done <- n
				return
			}
			if frame.Type == wire.AudioChunk {
				n++
			}
		}
	}()

	for i := 0; i < 4000; i++ {
		src.Feed(chunkOf(byte(i), 2560, int64(1000+i)))
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("blocked consumer never condemned; count = %d", srv.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	healthy.Close()
	if got := <-done; got == 0 {
		t.Error("healthy consumer received nothing")
	}
}

// The capture device opens on the first subscriber and closes when the last
// one leaves; a re-subscribe reopens it.
func TestCaptureDeviceLazyLifecycle(t *testing.T) {
	srv, _, _, opens, _ := testServer(t)

	if opens.Load() != 0 {
		t.Fatalf("device opened before any subscriber: %d", opens.Load())
	}

	nc := dial(t, srv)
	subscribe(t, nc)
	waitSubscribers(t, srv, 1)
	if opens.Load() != 1 {
		t.Fatalf("opens = %d after first subscriber, want 1", opens.Load())
	}

	if err := wire.WriteFrame(nc, wire.UnsubscribeAudio, nil); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitSubscribers(t, srv, 0)

	// MemorySource.Close marks it closed; a fresh subscriber triggers a
	// second factory call.
	nc2 := dial(t, srv)
	subscribe(t, nc2)
	waitSubscribers(t, srv, 1)
	deadline := time.Now().Add(time.Second)
	for opens.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("opens = %d after re-subscribe, want 2", opens.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// E4: PlaybackComplete arrives only after EndOfStream and the sink reports
// drained, with the full PCM delivered.
func TestProducerPlayThenEndOfStream(t *testing.T) {
	srv, _, sink, _, _ := testServer(t)

	nc := dial(t, srv)
	pcm := bytes.Repeat([]byte{7, 8}, 16000)
	if err := wire.WriteFrame(nc, wire.Play, pcm); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := wire.WriteFrame(nc, wire.EndOfStream, wire.EncodePlaybackControl(wire.PlaybackControlPayload{TimestampMs: 1})); err != nil {
		t.Fatalf("eos: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	dec := wire.NewDecoder(nc)
	frame, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != wire.PlaybackComplete {
		t.Fatalf("type = 0x%02x, want PlaybackComplete", byte(frame.Type))
	}
	if _, err := wire.DecodeU64(frame.Payload); err != nil {
		t.Fatalf("decode complete ts: %v", err)
	}
	if got := sink.Played(); !bytes.Equal(got, pcm) {
		t.Errorf("sink played %d bytes, want %d", len(got), len(pcm))
	}
}

// E5: Stop drops queued audio; a subsequent Play starts fresh.
func TestProducerStopDropsQueuedAudio(t *testing.T) {
	srv, _, sink, _, _ := testServer(t)

	nc := dial(t, srv)
	if err := wire.WriteFrame(nc, wire.Play, bytes.Repeat([]byte{1, 1}, 8000)); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := wire.WriteFrame(nc, wire.Stop, wire.EncodePlaybackControl(wire.PlaybackControlPayload{TimestampMs: 2})); err != nil {
		t.Fatalf("stop: %v", err)
	}
	fresh := bytes.Repeat([]byte{9, 9}, 4000)
	if err := wire.WriteFrame(nc, wire.Play, fresh); err != nil {
		t.Fatalf("second play: %v", err)
	}
	if err := wire.WriteFrame(nc, wire.EndOfStream, wire.EncodePlaybackControl(wire.PlaybackControlPayload{TimestampMs: 3})); err != nil {
		t.Fatalf("eos: %v", err)
	}

	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	dec := wire.NewDecoder(nc)
	frame, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != wire.PlaybackComplete {
		t.Fatalf("type = 0x%02x, want PlaybackComplete", byte(frame.Type))
	}
	// MemorySink.Abort clears everything recorded before the Stop, so only
	// the fresh playback remains.
	if got := sink.Played(); !bytes.Equal(got, fresh) {
		t.Errorf("sink played %d bytes after stop, want the %d fresh bytes only", len(got), len(fresh))
	}
}

// E6: a second concurrent producer is rejected with an Error frame and its
// socket closed; the first keeps the channel.
func TestSecondProducerRejected(t *testing.T) {
	srv, _, _, _, _ := testServer(t)

	first := dial(t, srv)
	if err := wire.WriteFrame(first, wire.Play, []byte{0, 0}); err != nil {
		t.Fatalf("first play: %v", err)
	}

	second := dial(t, srv)
	if err := wire.WriteFrame(second, wire.Play, []byte{0, 0}); err != nil {
		t.Fatalf("second play: %v", err)
	}

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := wire.NewDecoder(second)
	frame, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("second producer read: %v", err)
	}
	if frame.Type != wire.PlaybackError {
		t.Fatalf("type = 0x%02x, want PlaybackError", byte(frame.Type))
	}
	msg, err := wire.DecodeErrorFrame(frame.Payload)
	if err != nil || msg != "Producer already connected" {
		t.Errorf("error payload = %q (%v)", msg, err)
	}
	if _, err := dec.ReadFrame(); err == nil {
		t.Error("second producer socket not closed after rejection")
	}
}

// The producer slot frees on disconnect so a new producer can attach.
func TestProducerSlotReleasedOnDisconnect(t *testing.T) {
	srv, _, _, _, _ := testServer(t)

	first := dial(t, srv)
	if err := wire.WriteFrame(first, wire.Play, []byte{0, 0}); err != nil {
		t.Fatalf("first play: %v", err)
	}
	first.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		second := dial(t, srv)
		if err := wire.WriteFrame(second, wire.Play, []byte{0, 0}); err != nil {
			t.Fatalf("second play: %v", err)
		}
		if err := wire.WriteFrame(second, wire.EndOfStream, wire.EncodePlaybackControl(wire.PlaybackControlPayload{TimestampMs: 1})); err != nil {
			t.Fatalf("eos: %v", err)
		}
		second.SetReadDeadline(time.Now().Add(time.Second))
		frame, err := wire.NewDecoder(second).ReadFrame()
		if err == nil && frame.Type == wire.PlaybackComplete {
			return
		}
		second.Close()
		if time.Now().After(deadline) {
			t.Fatal("producer slot never released after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// An in-process tap sees the same chunks the TCP fan-out broadcasts.
func TestRegisterTapDeliversChunks(t *testing.T) {
	srv, src, _, opens, _ := testServer(t)

	tap := make(chan device.Chunk, 16)
	unregister, err := srv.RegisterTap(tap)
	if err != nil {
		t.Fatalf("RegisterTap: %v", err)
	}
	if opens.Load() != 1 {
		t.Fatalf("tap did not open capture device: opens = %d", opens.Load())
	}

	src.Feed(chunkOf(0x5a, 2560, 4242))
	select {
	case c := <-tap:
		if c.TimestampMs != 4242 || len(c.PCM) != 2560 {
			t.Errorf("tap chunk = ts %d len %d", c.TimestampMs, len(c.PCM))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tap never received the chunk")
	}

	unregister()
}

// A zero-byte chunk is a legal frame end to end.
func TestZeroByteChunkBroadcast(t *testing.T) {
	srv, src, _, _, _ := testServer(t)

	nc := dial(t, srv)
	dec := subscribe(t, nc)
	waitSubscribers(t, srv, 1)

	src.Feed(device.Chunk{PCM: nil, TimestampMs: 77, SampleRate: 16000, Channels: 1})

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := dec.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	p, err := wire.DecodeAudioChunk(frame.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.Data) != 0 || p.TimestampMs != 77 {
		t.Errorf("zero-byte chunk decoded as ts %d len %d", p.TimestampMs, len(p.Data))
	}
}

func TestMixerGrowsThenRejectsAtCeiling(t *testing.T) {
	// A MemorySink accepts every write at once, so the pump drains the ring
	// as fast as it runs.
	sink := device.NewMemorySink()
	m := NewMixer(sink)
	defer m.Close()

	// The pump races to hand chunks to the instantly-accepting MemorySink,
	// so exercise the capacity math directly against a blocked pump by
	// writing faster than pumpChunkBytes can possibly matter: one oversized
	// write beyond the 60s ceiling must fail outright.
	over := make([]byte, mixerMaxCap+2)
	if err := m.Write(over); err != ErrBufferFull {
		t.Fatalf("oversized write: err = %v, want ErrBufferFull", err)
	}

	// A write inside the ceiling grows the ring instead of failing.
	big := make([]byte, mixerInitialCap*2)
	if err := m.Write(big); err != nil {
		t.Fatalf("growing write failed: %v", err)
	}
}

func TestMixerAbortClearsQueue(t *testing.T) {
	sink := device.NewMemorySink()
	m := NewMixer(sink)
	defer m.Close()

	if err := m.Write(bytes.Repeat([]byte{1}, 4096)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Abort(); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if q := m.QueuedBytes(); q != 0 {
		t.Errorf("queued = %d after abort, want 0", q)
	}
}

// Timestamp payload encoding on the wire stays little-endian end to end.
func TestChunkTimestampWireEncoding(t *testing.T) {
	payload := wire.EncodeAudioChunk(wire.AudioChunkPayload{TimestampMs: 0x0102030405060708, Data: []byte{0xaa}})
	if got := binary.LittleEndian.Uint64(payload[:8]); got != 0x0102030405060708 {
		t.Fatalf("timestamp bytes = %x", got)
	}
}
