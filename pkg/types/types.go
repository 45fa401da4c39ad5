package types

import (
	"encoding/json"
	"errors"
)

// Sentinel errors shared by the pipeline. Callers classify with errors.Is.
var (
	ErrDecode           = errors.New("image could not be decoded")
	ErrModelUnavailable = errors.New("model not available")
	ErrProcessing       = errors.New("processing failed")
)

// ErrorKind identifies why a prediction did not produce a diagnosis
type ErrorKind string

const (
	KindDecode           ErrorKind = "DECODE_ERROR"
	KindModelUnavailable ErrorKind = "MODEL_UNAVAILABLE"
	KindProcessing       ErrorKind = "PROCESSING_ERROR"
	KindInvalidImage     ErrorKind = "INVALID_IMAGE"
)

// UnknownLabel is reported when the classifier returns an index outside the label set
const UnknownLabel = "Unknown"

// Severity buckets a diagnosis by model confidence
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// SeverityFor maps a confidence to its severity band.
func SeverityFor(confidence float64) Severity {
	switch {
	case confidence > 0.75:
		return SeverityHigh
	case confidence > 0.40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ValidationVerdict is the outcome of the green-ratio heuristic
type ValidationVerdict struct {
	IsValid    bool    `json:"is_valid"`
	Reason     string  `json:"reason"`
	GreenRatio float64 `json:"green_ratio"`
}

// Classification is a resolved classifier output
type Classification struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Diagnosis is the success variant of a PredictionResult
type Diagnosis struct {
	Label          string
	Confidence     float64
	Severity       Severity
	AnnotatedImage string
}

// Rejection is the failure variant of a PredictionResult. For KindInvalidImage
// produced after classification, Detected and Confidence carry the observation.
type Rejection struct {
	Kind       ErrorKind
	Message    string
	Detected   *string
	Confidence *float64
	Verdict    *ValidationVerdict
	Err        error
}

// PredictionResult holds exactly one of Diagnosis or Rejection
type PredictionResult struct {
	Diagnosis *Diagnosis
	Rejection *Rejection
}

// Succeeded creates a success result.
func Succeeded(d Diagnosis) PredictionResult {
	return PredictionResult{Diagnosis: &d}
}

// Rejected creates a rejection or failure result.
func Rejected(r Rejection) PredictionResult {
	return PredictionResult{Rejection: &r}
}

// OK reports whether the result is a diagnosis
func (r PredictionResult) OK() bool {
	return r.Diagnosis != nil
}

// Kind returns the rejection kind, or "" on success
func (r PredictionResult) Kind() ErrorKind {
	if r.Rejection == nil {
		return ""
	}
	return r.Rejection.Kind
}

type successPayload struct {
	Disease        string  `json:"disease"`
	Confidence     float64 `json:"confidence"`
	AnnotatedImage string  `json:"annotated_image,omitempty"`
}

type invalidPayload struct {
	Error      string   `json:"error"`
	Message    string   `json:"message"`
	Confidence *float64 `json:"confidence,omitempty"`
	Detected   *string  `json:"detected,omitempty"`
}

type failurePayload struct {
	Error string `json:"error"`
}

// Payload returns the wire representation of the result.
func (r PredictionResult) Payload() any {
	switch {
	case r.Diagnosis != nil:
		return successPayload{
			Disease:        r.Diagnosis.Label,
			Confidence:     r.Diagnosis.Confidence,
			AnnotatedImage: r.Diagnosis.AnnotatedImage,
		}
	case r.Rejection != nil && r.Rejection.Kind == KindInvalidImage:
		return invalidPayload{
			Error:      string(KindInvalidImage),
			Message:    r.Rejection.Message,
			Confidence: r.Rejection.Confidence,
			Detected:   r.Rejection.Detected,
		}
	case r.Rejection != nil:
		return failurePayload{Error: r.Rejection.Message}
	default:
		return failurePayload{Error: "empty prediction result"}
	}
}

// MarshalJSON encodes the result using the CLI output schema
func (r PredictionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Payload())
}
