//go:build onnx

package inference

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// NativeAvailable reports that this binary was built with ONNX Runtime
// support (-tags onnx).
func NativeAvailable() bool { return true }

const melFeatureDim = 32
const embeddingDim = 96
const melFramesPerEngineCall = 5

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func ensureRuntime() error {
	ortInitOnce.Do(func() {
		if path := os.Getenv("ORT_LIB_PATH"); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxMelEngine runs the mel-spectrogram model: one session call per input
// window, shape [1, windowSamples] -> [1, 5, 32].
type onnxMelEngine struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// melInputSamples is the fixed window size fed to the mel model: 1280
// samples of new audio plus 480 samples of left context.
const melInputSamples = 1280 + 480

// NewNativeMelEngine memory-maps the mel model at modelPath read-only and
// allocates its reusable input/output tensors.
func NewNativeMelEngine(modelPath string) (MelEngine, error) {
	if err := ensureRuntime(); err != nil {
		return nil, fmt.Errorf("inference: mel engine: %w", err)
	}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, melInputSamples))
	if err != nil {
		return nil, fmt.Errorf("inference: mel input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, melFramesPerEngineCall, melFeatureDim))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("inference: mel output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("inference: mel session: %w", err)
	}
	return &onnxMelEngine{session: session, input: input, output: output}, nil
}

func (e *onnxMelEngine) Run(samples []float32) ([]MelFeatures, error) {
	if len(samples) != melInputSamples {
		return nil, fmt.Errorf("inference: mel engine expects %d samples, got %d", melInputSamples, len(samples))
	}
	copy(e.input.GetData(), samples)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference: mel run: %w", err)
	}
	data := e.output.GetData()
	frames := make([]MelFeatures, melFramesPerEngineCall)
	for i := range frames {
		frame := make(MelFeatures, melFeatureDim)
		copy(frame, data[i*melFeatureDim:(i+1)*melFeatureDim])
		frames[i] = frame
	}
	return frames, nil
}

func (e *onnxMelEngine) Close() error {
	e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	return nil
}

// onnxEmbeddingEngine runs the embedding model over a 76x32 mel window,
// shape [1, 76, 32] -> [1, 96].
type onnxEmbeddingEngine struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

const embeddingWindowFrames = 76

// NewNativeEmbeddingEngine memory-maps the embedding model at modelPath.
func NewNativeEmbeddingEngine(modelPath string) (EmbeddingEngine, error) {
	if err := ensureRuntime(); err != nil {
		return nil, fmt.Errorf("inference: embedding engine: %w", err)
	}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, embeddingWindowFrames, melFeatureDim))
	if err != nil {
		return nil, fmt.Errorf("inference: embedding input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, embeddingDim))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("inference: embedding output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("inference: embedding session: %w", err)
	}
	return &onnxEmbeddingEngine{session: session, input: input, output: output}, nil
}

func (e *onnxEmbeddingEngine) Run(melWindow []MelFeatures) (Embedding, error) {
	if len(melWindow) != embeddingWindowFrames {
		return nil, fmt.Errorf("inference: embedding engine expects %d frames, got %d", embeddingWindowFrames, len(melWindow))
	}
	data := e.input.GetData()
	for i, frame := range melWindow {
		copy(data[i*melFeatureDim:(i+1)*melFeatureDim], frame)
	}
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference: embedding run: %w", err)
	}
	out := make(Embedding, embeddingDim)
	copy(out, e.output.GetData())
	return out, nil
}

func (e *onnxEmbeddingEngine) Close() error {
	e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	return nil
}

// onnxClassifierEngine runs one loaded wake-word model over a 16x96
// embedding window, shape [1, 16, 96] -> [1, 1].
type onnxClassifierEngine struct {
	name    string
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

const classifierWindowEmbeddings = 16

// NewNativeClassifierEngine memory-maps one wake-word model at modelPath,
// labeled name for WakewordEvent/UtteranceEnd payloads.
func NewNativeClassifierEngine(name, modelPath string) (ClassifierEngine, error) {
	if err := ensureRuntime(); err != nil {
		return nil, fmt.Errorf("inference: classifier %q: %w", name, err)
	}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, classifierWindowEmbeddings, embeddingDim))
	if err != nil {
		return nil, fmt.Errorf("inference: classifier %q input tensor: %w", name, err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("inference: classifier %q output tensor: %w", name, err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("inference: classifier %q session: %w", name, err)
	}
	return &onnxClassifierEngine{name: name, session: session, input: input, output: output}, nil
}

func (e *onnxClassifierEngine) Name() string { return e.name }

func (e *onnxClassifierEngine) Run(embeddingWindow []Embedding) (float32, error) {
	if len(embeddingWindow) != classifierWindowEmbeddings {
		return 0, fmt.Errorf("inference: classifier %q expects %d embeddings, got %d", e.name, classifierWindowEmbeddings, len(embeddingWindow))
	}
	data := e.input.GetData()
	for i, emb := range embeddingWindow {
		copy(data[i*embeddingDim:(i+1)*embeddingDim], emb)
	}
	if err := e.session.Run(); err != nil {
		return 0, fmt.Errorf("inference: classifier %q run: %w", e.name, err)
	}
	return e.output.GetData()[0], nil
}

func (e *onnxClassifierEngine) Close() error {
	e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	return nil
}

// onnxVADEngine runs a Silero-style VAD model over 512-sample windows,
// carrying its recurrent state between calls.
type onnxVADEngine struct {
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	state    *ort.Tensor[float32]
	sr       *ort.Tensor[int64]
	output   *ort.Tensor[float32]
	stateOut *ort.Tensor[float32]
}

const (
	vadWindowSamples = 512
	vadStateDim      = 128
	vadSampleRate    = 16000
)

// NewNativeVADEngine memory-maps the VAD model at modelPath.
func NewNativeVADEngine(modelPath string) (VADEngine, error) {
	if err := ensureRuntime(); err != nil {
		return nil, fmt.Errorf("inference: vad engine: %w", err)
	}
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, vadWindowSamples))
	if err != nil {
		return nil, fmt.Errorf("inference: vad input tensor: %w", err)
	}
	state, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, vadStateDim))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("inference: vad state tensor: %w", err)
	}
	sr, err := ort.NewTensor(ort.NewShape(1), []int64{vadSampleRate})
	if err != nil {
		input.Destroy()
		state.Destroy()
		return nil, fmt.Errorf("inference: vad sr tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		return nil, fmt.Errorf("inference: vad output tensor: %w", err)
	}
	stateOut, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, vadStateDim))
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("inference: vad stateOut tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input", "state", "sr"}, []string{"output", "stateN"},
		[]ort.Value{input, state, sr}, []ort.Value{output, stateOut}, nil)
	if err != nil {
		input.Destroy()
		state.Destroy()
		sr.Destroy()
		output.Destroy()
		stateOut.Destroy()
		return nil, fmt.Errorf("inference: vad session: %w", err)
	}
	return &onnxVADEngine{session: session, input: input, state: state, sr: sr, output: output, stateOut: stateOut}, nil
}

func (e *onnxVADEngine) Run(window []float32) (float32, error) {
	if len(window) != vadWindowSamples {
		return 0, fmt.Errorf("inference: vad engine expects %d samples, got %d", vadWindowSamples, len(window))
	}
	copy(e.input.GetData(), window)
	if err := e.session.Run(); err != nil {
		return 0, fmt.Errorf("inference: vad run: %w", err)
	}
	copy(e.state.GetData(), e.stateOut.GetData())
	return e.output.GetData()[0], nil
}

func (e *onnxVADEngine) Reset() {
	data := e.state.GetData()
	for i := range data {
		data[i] = 0
	}
}

func (e *onnxVADEngine) Close() error {
	e.session.Destroy()
	e.input.Destroy()
	e.state.Destroy()
	e.sr.Destroy()
	e.output.Destroy()
	e.stateOut.Destroy()
	return nil
}
