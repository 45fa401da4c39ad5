package onnx

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/paddy-inspector/pkg/labels"
	"github.com/menta2k/paddy-inspector/pkg/types"
)

// Model runs an exported image classifier through ONNX Runtime. The session
// uses bound input/output tensors, so Run calls are serialized.
type Model struct {
	mu           sync.Mutex
	config       Config
	labels       *labels.LabelSet
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewModel loads the model and its label set. Missing artifacts or a runtime
// that cannot start are reported as types.ErrModelUnavailable.
func NewModel(config Config) (*Model, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	for _, path := range []string{config.ModelPath, config.LabelsPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
		}
	}

	labelSet, err := labels.Load(config.LabelsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}

	if config.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(config.SharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %v", types.ErrModelUnavailable, err)
		}
	}

	if err := resolveIO(&config, labelSet.Len()); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](config.InputShape())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %v", types.ErrModelUnavailable, err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(labelSet.Len())))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create output tensor: %v", types.ErrModelUnavailable, err)
	}

	session, err := ort.NewAdvancedSession(config.ModelPath,
		[]string{config.InputName}, []string{config.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %v", types.ErrModelUnavailable, err)
	}

	slog.Info("onnx: model loaded",
		"path", config.ModelPath, "variant", config.Variant,
		"input", config.InputName, "output", config.OutputName,
		"classes", labelSet.Len())

	return &Model{
		config:       config,
		labels:       labelSet,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// resolveIO fills missing tensor names from the model file and checks that
// the class dimension matches the label set.
func resolveIO(config *Config, classes int) error {
	inputs, outputs, err := ort.GetInputOutputInfo(config.ModelPath)
	if err != nil {
		return fmt.Errorf("failed to inspect model: %v", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return fmt.Errorf("model has no inputs or outputs")
	}

	if config.InputName == "" {
		config.InputName = inputs[0].Name
	}
	if config.OutputName == "" {
		config.OutputName = outputs[0].Name
	}

	dims := outputs[0].Dimensions
	if n := len(dims); n > 0 && dims[n-1] > 0 && int(dims[n-1]) != classes {
		return fmt.Errorf("model has %d outputs but label set has %d classes", dims[n-1], classes)
	}
	return nil
}

// Labels returns the label set loaded with the model
func (m *Model) Labels() *labels.LabelSet {
	return m.labels
}

// Classify preprocesses img for the configured variant, runs the session and
// returns the arg-max class with its probability.
func (m *Model) Classify(ctx context.Context, img image.Image) (int, float64, error) {
	data := Preprocess(img, m.config.Variant, m.config.InputSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	copy(m.inputTensor.GetData(), data)
	if err := m.session.Run(); err != nil {
		return 0, 0, fmt.Errorf("inference failed: %w", err)
	}

	scores := append([]float32(nil), m.outputTensor.GetData()...)
	if m.config.ApplySoftmax {
		scores = Softmax(scores)
	}

	idx, conf := ArgMax(scores)
	if idx < 0 {
		return 0, 0, fmt.Errorf("model returned no scores")
	}
	return idx, float64(conf), nil
}

// Close releases the session, its tensors and the runtime environment
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inputTensor != nil {
		m.inputTensor.Destroy()
		m.inputTensor = nil
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
		m.outputTensor = nil
	}
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	return ort.DestroyEnvironment()
}
