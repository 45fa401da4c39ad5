// Package paddyinspector classifies paddy (rice) crop photos into disease
// categories and rejects images that are unlikely to show a crop.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"encoding/json"
//		"fmt"
//		"log"
//
//		paddyinspector "github.com/menta2k/paddy-inspector"
//	)
//
//	func main() {
//		inspector, err := paddyinspector.New(paddyinspector.DefaultOptions())
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer inspector.Close()
//
//		result := inspector.Predict(context.Background(), "field.jpg")
//		out, _ := json.Marshal(result)
//		fmt.Println(string(out))
//	}
//
// A prediction runs through four components:
//
// 1. Processing (pkg/processing): loads the image and writes annotated copies
// 2. Vision (pkg/vision): the HSV green-ratio crop-likelihood heuristic
// 3. Detection (pkg/detection): the classifier adapter over an ONNX, Ollama or llama.cpp backend
// 4. Predictor (pkg/predictor): the policy that decides between diagnosis and rejection
//
// Every call returns exactly one types.PredictionResult; failures are
// reported in the result, never as panics.
package paddyinspector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/paddy-inspector/pkg/client"
	"github.com/menta2k/paddy-inspector/pkg/detection"
	"github.com/menta2k/paddy-inspector/pkg/labels"
	"github.com/menta2k/paddy-inspector/pkg/llamacpp"
	"github.com/menta2k/paddy-inspector/pkg/ollama"
	"github.com/menta2k/paddy-inspector/pkg/onnx"
	"github.com/menta2k/paddy-inspector/pkg/predictor"
	"github.com/menta2k/paddy-inspector/pkg/processing"
	"github.com/menta2k/paddy-inspector/pkg/types"
	"github.com/menta2k/paddy-inspector/pkg/vision"
)

// Version of the paddy inspector library
const Version = "1.0.0"

// Options configures every component of an Inspector
type Options struct {
	Backend    string // onnx, ollama or llamacpp
	ONNX       onnx.Config
	Ollama     ollama.Config
	LlamaCpp   llamacpp.Config
	Vision     vision.Config
	Detection  detection.Config
	Predictor  predictor.Config
	Processing processing.Config
	Workers    int // PredictAll parallelism
}

// DefaultOptions returns the ONNX backend with the heuristic gate policy
func DefaultOptions() Options {
	return Options{
		Backend: "onnx",
		ONNX: onnx.Config{
			ModelPath:  "models/paddy_disease_model.onnx",
			LabelsPath: "models/class_indices.json",
		},
		Vision:     vision.DefaultConfig(),
		Detection:  detection.Config{}, // timeout picked per backend
		Predictor:  predictor.DefaultConfig(),
		Processing: processing.DefaultConfig(),
		Workers:    4,
	}
}

// NewBackend creates the classifier backend named by opts.Backend
func NewBackend(opts Options) (client.Backend, error) {
	var (
		backend client.Backend
		err     error
	)
	switch opts.Backend {
	case "onnx", "":
		var m *onnx.Model
		if m, err = onnx.NewModel(opts.ONNX); err == nil {
			backend = m
		}
	case "ollama":
		var c *ollama.Client
		if c, err = ollama.NewClient(opts.Ollama); err == nil {
			backend = c
		}
	case "llamacpp":
		var c *llamacpp.Client
		if c, err = llamacpp.NewClient(opts.LlamaCpp); err == nil {
			backend = c
		}
	default:
		err = fmt.Errorf("unknown backend: %s (use 'onnx', 'ollama' or 'llamacpp')", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// Inspector provides a high-level interface for crop disease prediction.
// It is safe for concurrent use.
type Inspector struct {
	opts       Options
	processor  *processing.Processor
	classifier *detection.Classifier
	predictor  *predictor.Predictor
}

// New loads the configured backend once. A backend that cannot be loaded
// leaves the Inspector usable: every prediction then reports
// MODEL_UNAVAILABLE. Only invalid options return an error.
func New(opts Options) (*Inspector, error) {
	backend, err := NewBackend(opts)
	if err != nil {
		if !isUnavailable(err) {
			return nil, err
		}
		slog.Warn("inspector: model unavailable", "backend", opts.Backend, "error", err)
		return build(opts, detection.Unavailable(err))
	}
	return build(opts, detection.NewClassifier(backend, detectionConfig(opts)))
}

// NewWithBackend uses an already constructed backend
func NewWithBackend(opts Options, backend client.Backend) (*Inspector, error) {
	return build(opts, detection.NewClassifier(backend, detectionConfig(opts)))
}

// detectionConfig fills an unset timeout with the default for the backend
func detectionConfig(opts Options) detection.Config {
	cfg := opts.Detection
	if cfg.Timeout > 0 {
		return cfg
	}
	switch opts.Backend {
	case "ollama", "llamacpp":
		cfg.Timeout = detection.LLMTimeout
	default:
		cfg.Timeout = detection.DefaultTimeout
	}
	return cfg
}

func build(opts Options, classifier *detection.Classifier) (*Inspector, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	processor := processing.NewProcessorWithConfig(opts.Processing)

	pred, err := predictor.New(vision.NewWithConfig(opts.Vision), classifier, processor, opts.Predictor)
	if err != nil {
		classifier.Close()
		return nil, fmt.Errorf("invalid predictor options: %w", err)
	}

	return &Inspector{
		opts:       opts,
		processor:  processor,
		classifier: classifier,
		predictor:  pred,
	}, nil
}

func isUnavailable(err error) bool {
	return err != nil && errors.Is(err, types.ErrModelUnavailable)
}

// Predict classifies the image at path
func (i *Inspector) Predict(ctx context.Context, path string) types.PredictionResult {
	return i.predictor.Predict(ctx, path)
}

// PredictSource classifies a local image or an http(s) URL. Downloaded images
// are never annotated since there is no file to write next to.
func (i *Inspector) PredictSource(ctx context.Context, source string) types.PredictionResult {
	if !processing.IsURL(source) {
		return i.predictor.Predict(ctx, source)
	}
	img, err := i.processor.LoadImageSmart(source)
	if err != nil {
		slog.Debug("inspector: download failed", "url", source, "error", err)
		return types.Rejected(types.Rejection{Kind: types.KindDecode, Message: err.Error(), Err: err})
	}
	return i.predictor.PredictImage(ctx, img, "")
}

// PredictImage classifies an already decoded image. sourcePath names the
// annotated copy when annotation is enabled.
func (i *Inspector) PredictImage(ctx context.Context, img image.Image, sourcePath string) types.PredictionResult {
	return i.predictor.PredictImage(ctx, img, sourcePath)
}

// PredictAll classifies several images or URLs with bounded parallelism.
// Results are returned in input order.
func (i *Inspector) PredictAll(ctx context.Context, paths []string) []types.PredictionResult {
	results := make([]types.PredictionResult, len(paths))

	var g errgroup.Group
	g.SetLimit(i.opts.Workers)
	for idx, path := range paths {
		g.Go(func() error {
			results[idx] = i.PredictSource(ctx, path)
			return nil
		})
	}
	g.Wait()

	return results
}

// Available returns nil when the model is loaded
func (i *Inspector) Available() error {
	return i.classifier.Available()
}

// Labels returns the class names of the loaded model, or nil
func (i *Inspector) Labels() *labels.LabelSet {
	return i.classifier.Labels()
}

// Backend returns the configured backend name
func (i *Inspector) Backend() string {
	if i.opts.Backend == "" {
		return "onnx"
	}
	return i.opts.Backend
}

// Policy returns the active prediction policy
func (i *Inspector) Policy() predictor.Config {
	return i.predictor.Config()
}

// Processor returns the image processor used for loading and annotation
func (i *Inspector) Processor() *processing.Processor {
	return i.processor
}

// Close releases the model
func (i *Inspector) Close() error {
	return i.classifier.Close()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
