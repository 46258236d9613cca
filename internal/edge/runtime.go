// Package edge wires the core components into one runnable runtime: the
// audio fan-out server, the detection pipeline, the utterance session
// controller, and the event subscription server, supervised together and
// shut down in order.
package edge

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/edge-runtime/internal/audioserver"
	"github.com/lokutor-ai/edge-runtime/internal/config"
	"github.com/lokutor-ai/edge-runtime/internal/device"
	"github.com/lokutor-ai/edge-runtime/internal/eventserver"
	"github.com/lokutor-ai/edge-runtime/internal/features"
	"github.com/lokutor-ai/edge-runtime/internal/inference"
	"github.com/lokutor-ai/edge-runtime/internal/logging"
	"github.com/lokutor-ai/edge-runtime/internal/metrics"
	"github.com/lokutor-ai/edge-runtime/internal/session"
	"github.com/lokutor-ai/edge-runtime/internal/vad"
	"github.com/lokutor-ai/edge-runtime/internal/wakeword"
)

// detectorTapDepth bounds the in-process chunk queue feeding the detection
// pipeline. Inference that falls behind drops capture chunks rather than
// stalling the broadcast hot path.
const detectorTapDepth = 32

// Engines bundles the loaded tensor models. Production code loads them via
// internal/inference's native constructors; tests pass stubs.
type Engines struct {
	Mel        inference.MelEngine
	Embedding  inference.EmbeddingEngine
	Classifier []ClassifierModel
	VAD        inference.VADEngine
}

// ClassifierModel pairs a loaded classifier engine with its per-model
// overrides from the manifest (zero means use the global config value).
type ClassifierModel struct {
	Engine     inference.ClassifierEngine
	Threshold  float32
	DebounceMs int64
}

// Runtime owns every long-lived component of `edge serve`.
type Runtime struct {
	cfg      config.Config
	log      logging.Logger
	counters *metrics.Counters

	audio  *audioserver.Server
	events *eventserver.Server

	extractor  *features.Extractor
	classifier *wakeword.Classifier
	vadProc    *vad.Processor
	controller *session.Controller
	gate       *EchoGate
}

// NewRuntime assembles a Runtime. sourceFactory and sink bind the hardware
// (or in-memory doubles under test).
func NewRuntime(cfg config.Config, eng Engines, sourceFactory device.SourceFactory, sink device.Sink, log logging.Logger) *Runtime {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	counters := &metrics.Counters{}

	extractor := features.New(eng.Mel, eng.Embedding, features.WithLogger(log))

	var modelCfgs []wakeword.ModelConfig
	for _, m := range eng.Classifier {
		mc := wakeword.ModelConfig{
			Engine:     m.Engine,
			Threshold:  float32(cfg.Threshold),
			DebounceMs: cfg.DebounceMs,
		}
		if m.Threshold > 0 {
			mc.Threshold = m.Threshold
		}
		if m.DebounceMs > 0 {
			mc.DebounceMs = m.DebounceMs
		}
		modelCfgs = append(modelCfgs, mc)
	}
	classifier := wakeword.New(modelCfgs, wakeword.WithVADGate(float32(cfg.VADThreshold)))

	vadProc := vad.New(eng.VAD, float32(cfg.VADThreshold), vad.DefaultTrailingFrames)

	events := eventserver.New(eventserver.Config{Addr: cfg.WakewordAddr},
		eventserver.WithLogger(log), eventserver.WithCounters(counters))

	controller := session.New(extractor, classifier, vadProc, events, session.Config{}, session.WithLogger(log))

	audio := audioserver.New(audioserver.Config{Addr: cfg.AudioAddr}, sourceFactory, sink,
		audioserver.WithLogger(log), audioserver.WithCounters(counters))

	gate := NewEchoGate()
	audio.Mixer().SetPlaybackObserver(gate.RecordPlayback)

	return &Runtime{
		cfg:        cfg,
		log:        log,
		counters:   counters,
		audio:      audio,
		events:     events,
		extractor:  extractor,
		classifier: classifier,
		vadProc:    vadProc,
		controller: controller,
		gate:       gate,
	}
}

// AudioServer exposes the fan-out server, mainly for tests and the CLI's
// startup log line.
func (r *Runtime) AudioServer() *audioserver.Server { return r.audio }

// EventServer exposes the event subscription server.
func (r *Runtime) EventServer() *eventserver.Server { return r.events }

// Controller exposes the session controller.
func (r *Runtime) Controller() *session.Controller { return r.controller }

// Counters exposes the shared metrics counters.
func (r *Runtime) Counters() *metrics.Counters { return r.counters }

// Run starts both servers and the detector loop, blocking until ctx is
// canceled or a server fails, then performs the graceful shutdown sequence.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.audio.Serve(gctx) })
	g.Go(func() error { return r.events.Serve(gctx) })
	g.Go(func() error {
		// On shutdown, finalize any live session with ServerError while the
		// event subscribers can still hear it.
		<-gctx.Done()
		r.controller.Abort(session.ReasonServerError)
		return nil
	})

	tap := make(chan device.Chunk, detectorTapDepth)
	untap, err := r.audio.RegisterTap(tap)
	if err != nil {
		return fmt.Errorf("edge: open detection tap: %w", err)
	}
	g.Go(func() error {
		defer untap()
		return r.detectorLoop(gctx, tap)
	})

	err = g.Wait()
	r.teardown()
	if err != nil && ctx.Err() != nil {
		// Cancellation-driven exit is a clean shutdown, not a failure.
		return nil
	}
	return err
}

// detectorLoop feeds every captured chunk through the echo gate and the
// detection pipeline. Runs as the single detector task; the feature buffers
// are never touched from anywhere else.
func (r *Runtime) detectorLoop(ctx context.Context, tap <-chan device.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-tap:
			if r.gate.ShouldSuppress(chunk.PCM) {
				// Keep the pipeline's buffers advancing so the sliding
				// windows stay aligned, but ignore detections sourced from
				// our own speaker output.
				r.extractor.SetIgnoring(true)
			} else {
				r.extractor.SetIgnoring(false)
			}
			if err := r.controller.ProcessChunk(chunk.TimestampMs, chunk.PCM); err != nil {
				// InferenceError policy: log, skip the chunk, continue.
				r.log.Error("edge: detection failed for chunk", "err", err)
			}
		}
	}
}

// teardown finishes the graceful-shutdown sequence after the servers and the
// detector loop have stopped: it releases the models and logs the final
// counters. A live session has already been aborted with ServerError by the
// shutdown goroutine Run starts.
func (r *Runtime) teardown() {
	r.vadProc.Close()
	r.extractor.Close()
	r.classifier.Close()

	snap := r.counters.Snapshot()
	r.log.Info("edge: runtime stopped",
		"frames_broadcast", snap.FramesBroadcast,
		"detections", snap.Detections,
		"sessions", snap.SessionsClosed)
}

// WaitReady blocks until both servers are listening, for callers that need
// to know the sockets are bound (tests, the CLI's ready log line).
func (r *Runtime) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for r.audio.Addr() == nil {
		if time.Now().After(deadline) {
			return fmt.Errorf("edge: audio server not listening after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.events.WaitListening(time.Until(deadline))
}
