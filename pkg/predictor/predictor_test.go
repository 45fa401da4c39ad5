package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/paddy-inspector/pkg/detection"
	"github.com/menta2k/paddy-inspector/pkg/labels"
	"github.com/menta2k/paddy-inspector/pkg/processing"
	"github.com/menta2k/paddy-inspector/pkg/types"
	"github.com/menta2k/paddy-inspector/pkg/vision"
)

type stubBackend struct {
	index int
	conf  float64
	calls int
	set   *labels.LabelSet
}

func (s *stubBackend) Classify(ctx context.Context, img image.Image) (int, float64, error) {
	s.calls++
	return s.index, s.conf, nil
}

func (s *stubBackend) Labels() *labels.LabelSet { return s.set }
func (s *stubBackend) Close() error             { return nil }

type panickyValidator struct{}

func (panickyValidator) Validate(img image.Image) (types.ValidationVerdict, error) {
	panic("index out of range")
}

func newBackend(t *testing.T, index int, conf float64) *stubBackend {
	t.Helper()
	set, err := labels.FromIndexMap(map[string]int{"bacterial_leaf_blight": 0, "blast": 1, "brown_spot": 2, "healthy": 3})
	require.NoError(t, err)
	return &stubBackend{index: index, conf: conf, set: set}
}

func newPredictor(t *testing.T, backend *stubBackend, config Config) *Predictor {
	t.Helper()
	p, err := New(vision.New(), detection.NewClassifier(backend, detection.Config{}), processing.NewProcessor(), config)
	require.NoError(t, err)
	return p
}

func writeImage(t *testing.T, dir, name string, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 90))
	for y := 0; y < 90; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

var (
	leafGreen = color.RGBA{43, 200, 43, 255}
	carGrey   = color.RGBA{128, 128, 128, 255}
)

func toJSON(t *testing.T, r types.PredictionResult) string {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return string(data)
}

func TestPredictHealthyLeaf(t *testing.T) {
	path := writeImage(t, t.TempDir(), "leaf.png", leafGreen)
	p := newPredictor(t, newBackend(t, 3, 0.92), DefaultConfig())

	result := p.Predict(context.Background(), path)

	require.True(t, result.OK())
	assert.Equal(t, "healthy", result.Diagnosis.Label)
	assert.Equal(t, types.SeverityHigh, result.Diagnosis.Severity)
	assert.JSONEq(t, `{"disease":"healthy","confidence":0.92}`, toJSON(t, result))
}

func TestPredictHeuristicRejectsBeforeClassifying(t *testing.T) {
	path := writeImage(t, t.TempDir(), "car.png", carGrey)
	backend := newBackend(t, 1, 0.12)
	p := newPredictor(t, backend, DefaultConfig())

	result := p.Predict(context.Background(), path)

	require.False(t, result.OK())
	assert.Equal(t, types.KindInvalidImage, result.Kind())
	assert.Equal(t, "insufficient greenery (<10%)", result.Rejection.Message)
	require.NotNil(t, result.Rejection.Verdict)
	assert.Equal(t, 0.0, result.Rejection.Verdict.GreenRatio)
	assert.Zero(t, backend.calls, "classifier must not run after a heuristic rejection")
	assert.JSONEq(t, `{"error":"INVALID_IMAGE","message":"insufficient greenery (<10%)"}`, toJSON(t, result))
}

func TestPredictConfidenceOnlyRejectsLowConfidence(t *testing.T) {
	path := writeImage(t, t.TempDir(), "car.png", carGrey)
	p := newPredictor(t, newBackend(t, 1, 0.12), Config{Policy: PolicyConfidenceOnly, ConfidenceThreshold: 0.40})

	result := p.Predict(context.Background(), path)

	assert.Equal(t, types.KindInvalidImage, result.Kind())
	assert.JSONEq(t,
		`{"error":"INVALID_IMAGE","message":"`+MsgNotACrop+`","confidence":0.12,"detected":"blast"}`,
		toJSON(t, result))
}

func TestPredictThresholdBoundary(t *testing.T) {
	path := writeImage(t, t.TempDir(), "leaf.png", leafGreen)

	atThreshold := newPredictor(t, newBackend(t, 2, 0.40), DefaultConfig()).Predict(context.Background(), path)
	assert.True(t, atThreshold.OK(), "confidence equal to the threshold is accepted")
	assert.Equal(t, types.SeverityLow, atThreshold.Diagnosis.Severity)

	below := newPredictor(t, newBackend(t, 2, 0.3999), DefaultConfig()).Predict(context.Background(), path)
	assert.Equal(t, types.KindInvalidImage, below.Kind())
	require.NotNil(t, below.Rejection.Detected)
	assert.Equal(t, "brown_spot", *below.Rejection.Detected)
}

func TestPredictZeroThresholdAcceptsAll(t *testing.T) {
	path := writeImage(t, t.TempDir(), "leaf.png", leafGreen)
	p := newPredictor(t, newBackend(t, 0, 0.01), Config{Policy: PolicyConfidenceOnly})

	assert.True(t, p.Predict(context.Background(), path).OK())
}

func TestPredictDisabledPolicy(t *testing.T) {
	path := writeImage(t, t.TempDir(), "car.png", carGrey)
	p := newPredictor(t, newBackend(t, 9, 0.05), Config{Policy: PolicyDisabled, ConfidenceThreshold: 0.40})

	result := p.Predict(context.Background(), path)

	require.True(t, result.OK())
	assert.Equal(t, types.UnknownLabel, result.Diagnosis.Label)
}

func TestPredictModelUnavailable(t *testing.T) {
	path := writeImage(t, t.TempDir(), "leaf.png", leafGreen)
	greyPath := writeImage(t, t.TempDir(), "car.png", carGrey)

	for _, policy := range []Policy{PolicyHeuristicGate, PolicyConfidenceOnly, PolicyDisabled} {
		p, err := New(vision.New(), detection.Unavailable(errors.New("paddy_disease_model.onnx missing")),
			processing.NewProcessor(), Config{Policy: policy, ConfidenceThreshold: 0.4})
		require.NoError(t, err)

		for _, img := range []string{path, greyPath} {
			result := p.Predict(context.Background(), img)
			assert.Equal(t, types.KindModelUnavailable, result.Kind(), "policy %s", policy)
			assert.ErrorIs(t, result.Rejection.Err, types.ErrModelUnavailable)
			assert.JSONEq(t, `{"error":"`+MsgModelUnavailable+`"}`, toJSON(t, result))
		}
	}
}

func TestPredictMissingFile(t *testing.T) {
	p := newPredictor(t, newBackend(t, 3, 0.9), DefaultConfig())
	missing := filepath.Join(t.TempDir(), "nope.jpg")

	result := p.Predict(context.Background(), missing)

	assert.Equal(t, types.KindDecode, result.Kind())
	assert.Contains(t, result.Rejection.Message, missing)
	assert.ErrorIs(t, result.Rejection.Err, types.ErrDecode)
}

func TestPredictCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))
	p := newPredictor(t, newBackend(t, 3, 0.9), DefaultConfig())

	assert.Equal(t, types.KindDecode, p.Predict(context.Background(), path).Kind())
}

func TestPredictImageNil(t *testing.T) {
	p := newPredictor(t, newBackend(t, 3, 0.9), DefaultConfig())
	assert.Equal(t, types.KindDecode, p.PredictImage(context.Background(), nil, "").Kind())
}

func TestPredictAnnotates(t *testing.T) {
	dir := t.TempDir()
	path := writeImage(t, dir, "drone_7.png", leafGreen)
	p := newPredictor(t, newBackend(t, 1, 0.81), Config{Policy: PolicyHeuristicGate, ConfidenceThreshold: 0.4, Annotate: true})

	result := p.Predict(context.Background(), path)

	require.True(t, result.OK())
	expected := filepath.Join(dir, "drone_7_analyzed.png")
	assert.Equal(t, expected, result.Diagnosis.AnnotatedImage)
	assert.FileExists(t, expected)
	assert.JSONEq(t, `{"disease":"blast","confidence":0.81,"annotated_image":"`+expected+`"}`, toJSON(t, result))
}

func TestPredictRecoversPanics(t *testing.T) {
	path := writeImage(t, t.TempDir(), "leaf.png", leafGreen)
	p, err := New(panickyValidator{}, detection.NewClassifier(newBackend(t, 0, 0.9), detection.Config{}),
		processing.NewProcessor(), DefaultConfig())
	require.NoError(t, err)

	result := p.Predict(context.Background(), path)

	assert.Equal(t, types.KindProcessing, result.Kind())
	assert.ErrorIs(t, result.Rejection.Err, types.ErrProcessing)
}

func TestPredictCancelledContext(t *testing.T) {
	path := writeImage(t, t.TempDir(), "leaf.png", leafGreen)
	p := newPredictor(t, newBackend(t, 3, 0.9), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, types.KindProcessing, p.Predict(ctx, path).Kind())
}

func TestPredictDeterministic(t *testing.T) {
	path := writeImage(t, t.TempDir(), "leaf.png", leafGreen)
	p := newPredictor(t, newBackend(t, 2, 0.55), DefaultConfig())

	first := toJSON(t, p.Predict(context.Background(), path))
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, toJSON(t, p.Predict(context.Background(), path)))
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		input    string
		expected Policy
		hasError bool
	}{
		{"", PolicyHeuristicGate, false},
		{"heuristic-gate", PolicyHeuristicGate, false},
		{" Confidence-Only ", PolicyConfidenceOnly, false},
		{"disabled", PolicyDisabled, false},
		{"strict", "", true},
	}

	for _, test := range tests {
		got, err := ParsePolicy(test.input)
		if test.hasError {
			assert.Error(t, err, test.input)
			continue
		}
		require.NoError(t, err, test.input)
		assert.Equal(t, test.expected, got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	classifier := detection.NewClassifier(newBackend(t, 0, 0.9), detection.Config{})
	images := processing.NewProcessor()

	_, err := New(vision.New(), classifier, images, Config{ConfidenceThreshold: 1.5})
	assert.Error(t, err)

	_, err = New(nil, classifier, images, Config{Policy: PolicyHeuristicGate})
	assert.Error(t, err)

	p, err := New(nil, classifier, images, Config{Policy: PolicyConfidenceOnly})
	require.NoError(t, err)
	assert.Equal(t, PolicyConfidenceOnly, p.Config().Policy)
}
