package vision

import "math"

// HSV is a pixel in 8-bit OpenCV ranges: H in [0,179], S and V in [0,255]
type HSV struct {
	H, S, V uint8
}

const hsvShift = 12

// Fixed-point division tables of OpenCV's 8-bit RGB->HSV conversion.
var (
	sdivTable [256]int
	hdivTable [256]int
)

func init() {
	for i := 1; i < 256; i++ {
		sdivTable[i] = int(math.Round(float64(255<<hsvShift) / float64(i)))
		hdivTable[i] = int(math.Round(float64(180<<hsvShift) / (6.0 * float64(i))))
	}
}

// RGBToHSV converts one 8-bit RGB pixel.
func RGBToHSV(r, g, b uint8) HSV {
	ri, gi, bi := int(r), int(g), int(b)

	v := max(ri, gi, bi)
	vmin := min(ri, gi, bi)
	diff := v - vmin

	s := (diff*sdivTable[v] + (1 << (hsvShift - 1))) >> hsvShift

	var h int
	switch {
	case diff == 0:
		h = 0
	case v == ri:
		h = gi - bi
	case v == gi:
		h = bi - ri + 2*diff
	default:
		h = ri - gi + 4*diff
	}
	h = (h*hdivTable[diff] + (1 << (hsvShift - 1))) >> hsvShift
	if h < 0 {
		h += 180
	}

	return HSV{H: uint8(h), S: uint8(s), V: uint8(v)}
}
