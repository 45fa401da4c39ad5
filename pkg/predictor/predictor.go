package predictor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/menta2k/paddy-inspector/pkg/types"
)

// Policy controls which rejection steps run before a diagnosis is returned
type Policy string

const (
	// PolicyHeuristicGate runs the green-ratio validator before classifying
	// and applies the confidence threshold afterwards.
	PolicyHeuristicGate Policy = "heuristic-gate"
	// PolicyConfidenceOnly skips the validator and relies on the threshold.
	PolicyConfidenceOnly Policy = "confidence-only"
	// PolicyDisabled returns whatever the classifier says.
	PolicyDisabled Policy = "disabled"
)

// ParsePolicy converts a policy name; the empty string selects the default
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyHeuristicGate, nil
	case PolicyHeuristicGate, PolicyConfidenceOnly, PolicyDisabled:
		return p, nil
	default:
		return "", fmt.Errorf("unknown policy %q (use %s, %s or %s)", s, PolicyHeuristicGate, PolicyConfidenceOnly, PolicyDisabled)
	}
}

const (
	// DefaultConfidenceThreshold rejects predictions below 40% confidence
	DefaultConfidenceThreshold = 0.40

	// MsgModelUnavailable is reported when the classifier could not be loaded
	MsgModelUnavailable = "Model not found. Please train the model first."
	// MsgNotACrop is reported when a low-confidence prediction is rejected
	MsgNotACrop = "This image does not appear to be a paddy crop. Please upload a clear image of paddy leaves or plants."
)

// Config holds the orchestrator policy
type Config struct {
	Policy              Policy
	ConfidenceThreshold float64 // 0 disables the confidence check
	Annotate            bool    // write <name>_analyzed<ext> next to the source
}

// DefaultConfig returns the heuristic gate with a 0.40 threshold
func DefaultConfig() Config {
	return Config{
		Policy:              PolicyHeuristicGate,
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
}

// Validate checks the policy and threshold
func (c Config) Validate() error {
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be between 0 and 1, got %v", c.ConfidenceThreshold)
	}
	return nil
}

// Validator is the crop-likelihood heuristic
type Validator interface {
	Validate(img image.Image) (types.ValidationVerdict, error)
}

// Classifier is the label-resolving model adapter
type Classifier interface {
	Available() error
	Classify(ctx context.Context, img image.Image) (types.Classification, error)
}

// ImageStore loads source images and writes annotated copies
type ImageStore interface {
	LoadImage(path string) (image.Image, error)
	SaveAnnotated(img image.Image, src, label string, confidence float64) (string, error)
}

// Predictor turns an image into exactly one PredictionResult. It holds no
// mutable state and is safe for concurrent use.
type Predictor struct {
	config     Config
	validator  Validator
	classifier Classifier
	images     ImageStore
}

// New creates a predictor. An empty policy selects the heuristic gate.
func New(validator Validator, classifier Classifier, images ImageStore, config Config) (*Predictor, error) {
	policy, err := ParsePolicy(string(config.Policy))
	if err != nil {
		return nil, err
	}
	config.Policy = policy
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil || images == nil {
		return nil, errors.New("predictor: classifier and image store are required")
	}
	if validator == nil && config.Policy == PolicyHeuristicGate {
		return nil, errors.New("predictor: heuristic-gate policy requires a validator")
	}
	return &Predictor{config: config, validator: validator, classifier: classifier, images: images}, nil
}

// Config returns the active configuration
func (p *Predictor) Config() Config {
	return p.config
}

// Predict loads the image at path and runs the prediction pipeline
func (p *Predictor) Predict(ctx context.Context, path string) (result types.PredictionResult) {
	defer recoverInto(&result)

	img, err := p.images.LoadImage(path)
	if err != nil {
		slog.Debug("predictor: decode failed", "path", path, "error", err)
		return failed(types.KindDecode, err.Error(), err)
	}
	return p.PredictImage(ctx, img, path)
}

// PredictImage runs the pipeline on an already decoded image. sourcePath is
// only used to name the annotated copy and may be empty when annotation is off.
func (p *Predictor) PredictImage(ctx context.Context, img image.Image, sourcePath string) (result types.PredictionResult) {
	defer recoverInto(&result)

	if img == nil || img.Bounds().Empty() {
		err := fmt.Errorf("%w: empty image %s", types.ErrDecode, sourcePath)
		return failed(types.KindDecode, err.Error(), err)
	}

	if err := p.classifier.Available(); err != nil {
		return failed(types.KindModelUnavailable, MsgModelUnavailable, err)
	}

	if p.config.Policy == PolicyHeuristicGate {
		verdict, err := p.validator.Validate(img)
		if err != nil {
			return failed(kindOf(err), err.Error(), err)
		}
		if !verdict.IsValid {
			slog.Info("predictor: rejected by heuristic", "path", sourcePath, "green_ratio", verdict.GreenRatio)
			return types.Rejected(types.Rejection{
				Kind:    types.KindInvalidImage,
				Message: verdict.Reason,
				Verdict: &verdict,
			})
		}
	}

	if err := ctx.Err(); err != nil {
		return failed(types.KindProcessing, err.Error(), err)
	}

	cls, err := p.classifier.Classify(ctx, img)
	if err != nil {
		kind := kindOf(err)
		msg := err.Error()
		if kind == types.KindModelUnavailable {
			msg = MsgModelUnavailable
		}
		return failed(kind, msg, err)
	}

	if p.config.Policy != PolicyDisabled && cls.Confidence < p.config.ConfidenceThreshold {
		slog.Info("predictor: rejected by confidence",
			"path", sourcePath, "label", cls.Label, "confidence", cls.Confidence,
			"threshold", p.config.ConfidenceThreshold)
		label, conf := cls.Label, cls.Confidence
		return types.Rejected(types.Rejection{
			Kind:       types.KindInvalidImage,
			Message:    MsgNotACrop,
			Detected:   &label,
			Confidence: &conf,
		})
	}

	diagnosis := types.Diagnosis{
		Label:      cls.Label,
		Confidence: cls.Confidence,
		Severity:   types.SeverityFor(cls.Confidence),
	}

	if p.config.Annotate && sourcePath != "" {
		path, err := p.images.SaveAnnotated(img, sourcePath, cls.Label, cls.Confidence)
		if err != nil {
			slog.Warn("predictor: annotated image not written", "path", sourcePath, "error", err)
		} else {
			diagnosis.AnnotatedImage = path
		}
	}

	return types.Succeeded(diagnosis)
}

func failed(kind types.ErrorKind, msg string, err error) types.PredictionResult {
	return types.Rejected(types.Rejection{Kind: kind, Message: msg, Err: err})
}

// kindOf classifies an error; anything unrecognised is a processing error
func kindOf(err error) types.ErrorKind {
	switch {
	case errors.Is(err, types.ErrDecode):
		return types.KindDecode
	case errors.Is(err, types.ErrModelUnavailable):
		return types.KindModelUnavailable
	default:
		return types.KindProcessing
	}
}

func recoverInto(result *types.PredictionResult) {
	if r := recover(); r != nil {
		err := fmt.Errorf("%w: %v", types.ErrProcessing, r)
		slog.Error("predictor: recovered panic", "panic", r)
		*result = failed(types.KindProcessing, err.Error(), err)
	}
}
