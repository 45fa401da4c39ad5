package processing

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// AnnotatedSuffix is appended to the source file name of annotated copies
const AnnotatedSuffix = "_analyzed"

var (
	healthyColor = color.NRGBA{0, 200, 0, 255}
	diseaseColor = color.NRGBA{255, 120, 0, 255}
	captionColor = color.NRGBA{255, 255, 255, 255}
	bannerColor  = color.NRGBA{0, 0, 0, 170}
)

// AnnotatedPath derives "<dir>/<name>_analyzed<ext>" from the source path.
// Extensions that cannot be encoded are replaced by ".png".
func AnnotatedPath(src string) string {
	dir := filepath.Dir(src)
	base := filepath.Base(src)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if FormatFromPath(src) == "" {
		ext = ".png"
	}
	return filepath.Join(dir, name+AnnotatedSuffix+ext)
}

// Caption formats the prediction text drawn on annotated images
func Caption(label string, confidence float64) string {
	return fmt.Sprintf("%s %.1f%%", label, confidence*100)
}

// RenderAnnotation returns a copy of img with a coloured frame and a caption
// banner showing the predicted label and confidence.
func (p *Processor) RenderAnnotation(img image.Image, label string, confidence float64) *image.NRGBA {
	out := imaging.Clone(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	if w == 0 || h == 0 {
		return out
	}

	frame := diseaseColor
	if isHealthyLabel(label) {
		frame = healthyColor
	}
	stroke := int(math.Max(2, 0.006*float64(minInt(w, h))))
	drawFrame(out, frame, stroke)

	// Render the caption at native font size, then scale it to the image.
	scale := maxInt(1, minInt(w, h)/320)
	caption := renderCaption(Caption(label, confidence), frame)
	if caption.Bounds().Dx()*scale > w {
		scale = maxInt(1, w/caption.Bounds().Dx())
	}
	scaled := imaging.Resize(caption, caption.Bounds().Dx()*scale, caption.Bounds().Dy()*scale, imaging.NearestNeighbor)

	return imaging.Overlay(out, scaled, image.Pt(stroke, stroke), 1.0)
}

// SaveAnnotated renders the annotation and writes it next to src. The file is
// written to a temporary name in the same directory and renamed into place.
func (p *Processor) SaveAnnotated(img image.Image, src, label string, confidence float64) (string, error) {
	dst := AnnotatedPath(src)
	annotated := p.RenderAnnotation(img, label, confidence)

	ext := filepath.Ext(dst)
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+strings.TrimSuffix(filepath.Base(dst), ext)+"-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create annotated image: %w", err)
	}
	tmpName := tmp.Name()

	if err := p.Encode(tmp, annotated, FormatFromPath(dst)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to encode annotated image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write annotated image: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to place annotated image: %w", err)
	}
	return dst, nil
}

func renderCaption(text string, accent color.NRGBA) *image.NRGBA {
	face := basicfont.Face7x13
	const pad = 4
	const marker = 6

	textWidth := font.MeasureString(face, text).Ceil()
	metrics := face.Metrics()
	height := metrics.Ascent.Ceil() + metrics.Descent.Ceil() + 2*pad
	width := marker + pad + textWidth + 2*pad

	banner := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(banner.Pix); i += 4 {
		banner.Pix[i+0] = bannerColor.R
		banner.Pix[i+1] = bannerColor.G
		banner.Pix[i+2] = bannerColor.B
		banner.Pix[i+3] = bannerColor.A
	}
	for s := 0; s < marker; s++ {
		drawVLine(banner, s, 0, height, accent)
	}

	d := &font.Drawer{
		Dst:  banner,
		Src:  image.NewUniform(captionColor),
		Face: face,
		Dot:  fixed.P(marker+2*pad, pad+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
	return banner
}

func isHealthyLabel(label string) bool {
	l := strings.ToLower(label)
	return strings.Contains(l, "healthy") || strings.Contains(l, "normal")
}

func drawFrame(img *image.NRGBA, c color.NRGBA, stroke int) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	for s := 0; s < stroke; s++ {
		drawHLine(img, s, 0, w, c)
		drawHLine(img, h-1-s, 0, w, c)
		drawVLine(img, s, 0, h, c)
		drawVLine(img, w-1-s, 0, h, c)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
