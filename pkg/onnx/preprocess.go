package onnx

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// Preprocess converts an image into the flat float32 tensor expected by the
// variant. Values are scaled to [0,1].
func Preprocess(img image.Image, variant Variant, size int) []float32 {
	if variant == VariantYOLOCls {
		return toNCHW(imaging.Fill(img, size, size, imaging.Center, imaging.Linear))
	}
	// Keras load_img(target_size=...) resizes with nearest neighbour.
	return toNHWC(resize.Resize(uint(size), uint(size), img, resize.NearestNeighbor))
}

func toNHWC(img image.Image) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	data := make([]float32, width*height*3)
	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			data[i] = float32(r) / 65535.0
			data[i+1] = float32(g) / 65535.0
			data[i+2] = float32(b) / 65535.0
			i += 3
		}
	}
	return data
}

func toNCHW(img image.Image) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, plane*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			pixelIndex := y*width + x
			data[pixelIndex] = float32(r) / 65535.0
			data[plane+pixelIndex] = float32(g) / 65535.0
			data[2*plane+pixelIndex] = float32(b) / 65535.0
		}
	}
	return data
}

// Softmax normalizes logits into probabilities
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// ArgMax returns the index and value of the largest score, or -1 for an
// empty slice. Ties resolve to the lowest index.
func ArgMax(scores []float32) (int, float32) {
	if len(scores) == 0 {
		return -1, 0
	}
	maxIdx := 0
	maxVal := scores[0]
	for i, v := range scores {
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	return maxIdx, maxVal
}
