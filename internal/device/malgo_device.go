package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// MalgoCapture drives a capture-only malgo device at a fixed mono sample
// rate. The audio fan-out server opens one of these lazily on first
// subscriber and closes it when the subscriber set drains. Capture and
// playback are separate devices so either side can be opened and torn down
// independently.
type MalgoCapture struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int
	chunkCh    chan Chunk

	closeOnce sync.Once
}

// OpenMalgoCapture opens malgo's default capture device as a capture-only
// device. deviceName is not used: no named device is ever selected.
func OpenMalgoCapture(deviceName string, sampleRate int) (*MalgoCapture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: malgo init context: %v", ErrDeviceUnavailable, err)
	}

	c := &MalgoCapture{
		ctx:        mctx,
		sampleRate: sampleRate,
		chunkCh:    make(chan Chunk, 64),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: c.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, fmt.Errorf("%w: malgo init capture device: %v", ErrDeviceUnavailable, err)
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, fmt.Errorf("%w: malgo capture start: %v", ErrDeviceUnavailable, err)
	}

	return c, nil
}

func (c *MalgoCapture) onSamples(_, pInput []byte, _ uint32) {
	if pInput == nil {
		return
	}
	data := make([]byte, len(pInput))
	copy(data, pInput)
	chunk := Chunk{
		PCM:         data,
		TimestampMs: time.Now().UnixMilli(),
		SampleRate:  c.sampleRate,
		Channels:    1,
	}
	select {
	case c.chunkCh <- chunk:
	default:
		// The capture callback must never block; drop the chunk on
		// backpressure rather than stall the audio thread.
	}
}

// ReadChunkTimeout implements Source.
func (c *MalgoCapture) ReadChunkTimeout(ctx context.Context, timeout time.Duration) (*Chunk, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk := <-c.chunkCh:
		return &chunk, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops and releases the capture device. Safe to call once.
func (c *MalgoCapture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.device != nil {
			c.device.Uninit()
		}
		if c.ctx != nil {
			err = c.ctx.Uninit()
		}
	})
	return err
}

// MalgoPlayback drives a playback-only malgo device at a fixed mono sample
// rate, owned exclusively by the audio fan-out server for its whole
// lifetime and fed from the C8 playback mixer's ring buffer.
type MalgoPlayback struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate int

	mu        sync.Mutex
	queue     []byte
	closed    bool
	drainCond *sync.Cond
	closeOnce sync.Once
}

// OpenMalgoPlayback opens malgo's default playback device as a playback-only
// device. deviceName is not used: no named device is ever selected.
func OpenMalgoPlayback(deviceName string, sampleRate int) (*MalgoPlayback, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: malgo init context: %v", ErrDeviceUnavailable, err)
	}

	p := &MalgoPlayback{ctx: mctx, sampleRate: sampleRate}
	p.drainCond = sync.NewCond(&p.mu)

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: p.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, fmt.Errorf("%w: malgo init playback device: %v", ErrDeviceUnavailable, err)
	}
	p.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, fmt.Errorf("%w: malgo playback start: %v", ErrDeviceUnavailable, err)
	}

	return p, nil
}

func (p *MalgoPlayback) onSamples(pOutput, _ []byte, _ uint32) {
	if pOutput == nil {
		return
	}
	p.mu.Lock()
	n := copy(pOutput, p.queue)
	p.queue = p.queue[n:]
	if len(p.queue) == 0 {
		p.drainCond.Broadcast()
	}
	p.mu.Unlock()
	for i := n; i < len(pOutput); i++ {
		pOutput[i] = 0
	}
}

// WriteChunk implements Sink. Returns immediately after enqueue.
func (p *MalgoPlayback) WriteChunk(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: playback device closed", ErrDeviceFault)
	}
	p.queue = append(p.queue, pcm...)
	return nil
}

// EndAndWait implements Sink.
func (p *MalgoPlayback) EndAndWait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for len(p.queue) > 0 && !p.closed {
			p.drainCond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort implements Sink: drops queued audio synchronously; an in-flight
// write to the device may still complete.
func (p *MalgoPlayback) Abort() error {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	p.drainCond.Broadcast()
	return nil
}

// Close stops and releases the playback device. Safe to call once.
func (p *MalgoPlayback) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.drainCond.Broadcast()
		if p.device != nil {
			p.device.Uninit()
		}
		if p.ctx != nil {
			err = p.ctx.Uninit()
		}
	})
	return err
}
