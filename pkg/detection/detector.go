package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/menta2k/paddy-inspector/pkg/client"
	"github.com/menta2k/paddy-inspector/pkg/labels"
	"github.com/menta2k/paddy-inspector/pkg/types"
)

// DefaultTimeout bounds a single model invocation
const DefaultTimeout = 30 * time.Second

// LLMTimeout is the default bound for vision-LLM backends, which may run on CPU
const LLMTimeout = 5 * time.Minute

// Config configures the classifier adapter
type Config struct {
	Timeout time.Duration
}

// Classifier adapts a client.Backend into label-resolved classifications.
// A classifier built with Unavailable fails every call with
// types.ErrModelUnavailable.
type Classifier struct {
	backend client.Backend
	config  Config
	initErr error
}

// NewClassifier wraps a loaded backend
func NewClassifier(backend client.Backend, config Config) *Classifier {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if backend == nil {
		return Unavailable(errors.New("no backend configured"))
	}
	return &Classifier{backend: backend, config: config}
}

// Unavailable returns a classifier that reports err on every call
func Unavailable(err error) *Classifier {
	if !errors.Is(err, types.ErrModelUnavailable) {
		err = fmt.Errorf("%w: %v", types.ErrModelUnavailable, err)
	}
	return &Classifier{initErr: err}
}

// Available returns nil when the backend is loaded, otherwise the
// ErrModelUnavailable-class error recorded at construction.
func (c *Classifier) Available() error {
	return c.initErr
}

// Labels returns the backend label set, or nil when unavailable
func (c *Classifier) Labels() *labels.LabelSet {
	if c.backend == nil {
		return nil
	}
	return c.backend.Labels()
}

type outcome struct {
	index      int
	confidence float64
	err        error
}

// Classify runs the backend with a timeout and resolves the class name.
// Indices outside the label set resolve to types.UnknownLabel.
func (c *Classifier) Classify(ctx context.Context, img image.Image) (types.Classification, error) {
	if c.initErr != nil {
		return types.Classification{}, c.initErr
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("backend panic: %v", r)}
			}
		}()
		idx, conf, err := c.backend.Classify(ctx, img)
		done <- outcome{index: idx, confidence: conf, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		return types.Classification{}, fmt.Errorf("%w: classification aborted: %v", types.ErrProcessing, ctx.Err())
	}

	if res.err != nil {
		if errors.Is(res.err, types.ErrModelUnavailable) {
			return types.Classification{}, res.err
		}
		return types.Classification{}, fmt.Errorf("%w: %v", types.ErrProcessing, res.err)
	}
	if math.IsNaN(res.confidence) {
		return types.Classification{}, fmt.Errorf("%w: model returned NaN confidence", types.ErrProcessing)
	}

	result := types.Classification{
		Index:      res.index,
		Label:      c.backend.Labels().Name(res.index),
		Confidence: clamp(res.confidence, 0, 1),
	}
	slog.Debug("detection: classified", "index", result.Index, "label", result.Label, "confidence", result.Confidence)
	return result, nil
}

// Close releases the backend
func (c *Classifier) Close() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
