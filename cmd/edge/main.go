// Command edge runs the voice-assistant edge runtime: the audio fan-out
// server, the wake-word detection pipeline, and the utterance session
// controller, listening on the two loopback sockets.
//
// Usage:
//
//	edge serve [--capture-device NAME] [--playback-device NAME]
//	           [--wakeword-model NAME]... [--threshold F]
//	           [--vad-threshold F] [--debounce-ms N]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lokutor-ai/edge-runtime/internal/config"
	"github.com/lokutor-ai/edge-runtime/internal/device"
	"github.com/lokutor-ai/edge-runtime/internal/edge"
	"github.com/lokutor-ai/edge-runtime/internal/inference"
	"github.com/lokutor-ai/edge-runtime/internal/logging"
	"github.com/lokutor-ai/edge-runtime/internal/models"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfigError  = 2
	exitDeviceError  = 3
	exitModelError   = 4
	exitRuntimeError = 5
)

const captureSampleRate = 16000
const playbackSampleRate = 48000

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "Note: No .env file found, using system environment variables")
	}

	if len(os.Args) < 2 || os.Args[1] != "serve" {
		fmt.Fprintln(os.Stderr, "usage: edge serve [flags]")
		os.Exit(exitConfigError)
	}

	cfg := config.FromEnv()
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(exitConfigError)
	}
	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	log := logging.NewStdLogger(cfg.LogLevel)

	engines, err := loadEngines(cfg)
	if err != nil {
		log.Error("model load failed", "err", err)
		os.Exit(exitModelError)
	}

	// Probe the capture device now so DeviceUnavailable surfaces at startup
	// with its own exit code; the fan-out server reopens it lazily on the
	// first subscriber.
	probe, err := device.OpenMalgoCapture(cfg.CaptureDevice, captureSampleRate)
	if err != nil {
		log.Error("capture device unavailable", "device", cfg.CaptureDevice, "err", err)
		os.Exit(exitDeviceError)
	}
	probe.Close()

	sink, err := device.OpenMalgoPlayback(cfg.PlaybackDevice, playbackSampleRate)
	if err != nil {
		log.Error("playback device unavailable", "device", cfg.PlaybackDevice, "err", err)
		os.Exit(exitDeviceError)
	}
	defer sink.Close()

	sourceFactory := func() (device.Source, error) {
		return device.OpenMalgoCapture(cfg.CaptureDevice, captureSampleRate)
	}

	rt := edge.NewRuntime(cfg, engines, sourceFactory, sink, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("edge runtime starting",
		"audio_addr", cfg.AudioAddr,
		"wakeword_addr", cfg.WakewordAddr,
		"models", fmt.Sprintf("%v", cfg.WakewordModels))

	if err := rt.Run(ctx); err != nil {
		log.Error("runtime failed", "err", err)
		os.Exit(exitRuntimeError)
	}
	log.Info("edge runtime stopped cleanly")
	os.Exit(exitOK)
}

// loadEngines resolves the models directory and memory-maps the mel,
// embedding, VAD, and per-wake-word classifier models.
func loadEngines(cfg config.Config) (edge.Engines, error) {
	if !inference.NativeAvailable() {
		return edge.Engines{}, fmt.Errorf("binary built without onnx support: %w", inference.ErrModelUnavailable)
	}

	dir, err := models.Load(cfg.ModelsDir)
	if err != nil {
		return edge.Engines{}, err
	}

	paths := []string{dir.MelPath(), dir.EmbeddingPath(), dir.VADPath()}
	entries := make([]models.WakewordEntry, 0, len(cfg.WakewordModels))
	for _, name := range cfg.WakewordModels {
		e := dir.Wakeword(name)
		entries = append(entries, e)
		paths = append(paths, e.File)
	}
	if err := models.CheckExists(paths...); err != nil {
		return edge.Engines{}, err
	}

	mel, err := inference.NewNativeMelEngine(dir.MelPath())
	if err != nil {
		return edge.Engines{}, fmt.Errorf("mel model: %w", err)
	}
	embedding, err := inference.NewNativeEmbeddingEngine(dir.EmbeddingPath())
	if err != nil {
		return edge.Engines{}, fmt.Errorf("embedding model: %w", err)
	}
	vadEngine, err := inference.NewNativeVADEngine(dir.VADPath())
	if err != nil {
		return edge.Engines{}, fmt.Errorf("vad model: %w", err)
	}

	eng := edge.Engines{Mel: mel, Embedding: embedding, VAD: vadEngine}
	for _, e := range entries {
		clf, err := inference.NewNativeClassifierEngine(e.Name, e.File)
		if err != nil {
			return edge.Engines{}, fmt.Errorf("wake-word model %q: %w", e.Name, err)
		}
		eng.Classifier = append(eng.Classifier, edge.ClassifierModel{
			Engine:     clf,
			Threshold:  e.Threshold,
			DebounceMs: e.DebounceMs,
		})
	}
	return eng, nil
}
