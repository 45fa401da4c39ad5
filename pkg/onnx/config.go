package onnx

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Variant selects the preprocessing and tensor layout of an exported model
type Variant string

const (
	// VariantKeras is a generic Keras image classifier: NHWC input, plain
	// resize to the input size, pixels scaled to [0,1].
	VariantKeras Variant = "keras"
	// VariantYOLOCls is a YOLO classification export: NCHW input, short-side
	// resize with centre crop, pixels scaled to [0,1].
	VariantYOLOCls Variant = "yolo-cls"
)

// DefaultInputSize is the square input resolution used by both exports
const DefaultInputSize = 224

// Config describes the model artifacts and tensor layout
type Config struct {
	ModelPath         string  `json:"model_path" yaml:"model_path"`
	LabelsPath        string  `json:"labels_path" yaml:"labels_path"`
	SharedLibraryPath string  `json:"shared_library_path" yaml:"shared_library_path"`
	Variant           Variant `json:"variant" yaml:"variant"`
	InputName         string  `json:"input_name" yaml:"input_name"`   // empty = first model input
	OutputName        string  `json:"output_name" yaml:"output_name"` // empty = first model output
	InputSize         int     `json:"input_size" yaml:"input_size"`
	ApplySoftmax      bool    `json:"apply_softmax" yaml:"apply_softmax"` // model outputs logits
}

func (c Config) withDefaults() Config {
	if c.Variant == "" {
		c.Variant = VariantKeras
	}
	if c.InputSize <= 0 {
		c.InputSize = DefaultInputSize
	}
	return c
}

// Validate checks if the configuration is usable
func (c Config) Validate() error {
	if c.ModelPath == "" {
		return fmt.Errorf("onnx: model_path is required")
	}
	if c.LabelsPath == "" {
		return fmt.Errorf("onnx: labels_path is required")
	}
	switch c.Variant {
	case VariantKeras, VariantYOLOCls:
	default:
		return fmt.Errorf("onnx: unknown variant %q (use %q or %q)", c.Variant, VariantKeras, VariantYOLOCls)
	}
	return nil
}

// InputShape returns the input tensor shape for the variant
func (c Config) InputShape() ort.Shape {
	size := int64(c.InputSize)
	if c.Variant == VariantYOLOCls {
		return ort.NewShape(1, 3, size, size)
	}
	return ort.NewShape(1, size, size, 3)
}
