package vision

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/paddy-inspector/pkg/types"
)

// CropValidator rejects images that are unlikely to show crop foliage by
// measuring how much of the frame is vegetation green
type CropValidator struct {
	config Config
}

// Config holds the HSV band and the acceptance threshold.
// Bounds are inclusive, matching cv2.inRange.
type Config struct {
	HueMin        uint8
	HueMax        uint8
	SatMin        uint8
	ValMin        uint8
	MinGreenRatio float64
}

// ReasonAccepted is the verdict reason for images that pass the gate
const ReasonAccepted = "accepted"

// DefaultConfig returns the plant-green band used for paddy photos
func DefaultConfig() Config {
	return Config{
		HueMin:        30,
		HueMax:        90,
		SatMin:        40,
		ValMin:        40,
		MinGreenRatio: 0.10,
	}
}

// New creates a CropValidator with default configuration
func New() *CropValidator {
	return &CropValidator{config: DefaultConfig()}
}

// NewWithConfig creates a CropValidator with custom configuration
func NewWithConfig(config Config) *CropValidator {
	return &CropValidator{config: config}
}

// Config returns the active configuration
func (v *CropValidator) Config() Config {
	return v.config
}

// GreenRatio returns the fraction of pixels inside the plant-green band.
func (v *CropValidator) GreenRatio(img image.Image) (float64, error) {
	if img == nil {
		return 0, fmt.Errorf("nil image: %w", types.ErrDecode)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return 0, fmt.Errorf("empty image %dx%d: %w", bounds.Dx(), bounds.Dy(), types.ErrDecode)
	}

	nrgba := imaging.Clone(img)
	width, height := nrgba.Rect.Dx(), nrgba.Rect.Dy()

	masked := 0
	for y := 0; y < height; y++ {
		i := y * nrgba.Stride
		for x := 0; x < width; x++ {
			if v.inBand(RGBToHSV(nrgba.Pix[i], nrgba.Pix[i+1], nrgba.Pix[i+2])) {
				masked++
			}
			i += 4
		}
	}

	return float64(masked) / float64(width*height), nil
}

// Validate decides whether the image plausibly depicts crop foliage
func (v *CropValidator) Validate(img image.Image) (types.ValidationVerdict, error) {
	ratio, err := v.GreenRatio(img)
	if err != nil {
		return types.ValidationVerdict{}, err
	}

	if ratio < v.config.MinGreenRatio {
		slog.Debug("vision: rejected by green ratio", "ratio", ratio, "min", v.config.MinGreenRatio)
		return types.ValidationVerdict{
			IsValid:    false,
			Reason:     fmt.Sprintf("insufficient greenery (<%d%%)", int(math.Round(v.config.MinGreenRatio*100))),
			GreenRatio: ratio,
		}, nil
	}

	return types.ValidationVerdict{
		IsValid:    true,
		Reason:     ReasonAccepted,
		GreenRatio: ratio,
	}, nil
}

func (v *CropValidator) inBand(p HSV) bool {
	return p.H >= v.config.HueMin && p.H <= v.config.HueMax &&
		p.S >= v.config.SatMin && p.V >= v.config.ValMin
}
