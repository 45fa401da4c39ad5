package client

import (
	"context"
	"image"

	"github.com/menta2k/paddy-inspector/pkg/labels"
)

// Backend is an external image classification model. Classify returns the
// arg-max class index and its probability; an index of -1 means the model
// answered with a class outside its label set.
type Backend interface {
	Classify(ctx context.Context, img image.Image) (index int, confidence float64, err error)
	Labels() *labels.LabelSet
	Close() error
}
