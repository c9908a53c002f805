package tissue

import (
	"image"

	"gonum.org/v1/gonum/floats"
)

// DefaultBins is the histogram resolution used for Otsu thresholding.
const DefaultBins = 256

// Saturation returns the HSV saturation of every pixel in row-major order,
// in [0, 1]. Black pixels have zero saturation.
func Saturation(img image.Image) ([]float64, int, int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	sat := make([]float64, w*h)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			row := rgba.Pix[(y+b.Min.Y-rgba.Rect.Min.Y)*rgba.Stride+(b.Min.X-rgba.Rect.Min.X)*4:]
			for x := 0; x < w; x++ {
				p := row[x*4 : x*4+3]
				sat[y*w+x] = saturation8(p[0], p[1], p[2])
			}
		}
		return sat, w, h
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			sat[y*w+x] = saturation8(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return sat, w, h
}

func saturation8(r, g, b uint8) float64 {
	maxC := max(r, g, b)
	if maxC == 0 {
		return 0
	}
	minC := min(r, g, b)
	return float64(maxC-minC) / float64(maxC)
}

// OtsuThreshold returns the histogram bin centre that maximises the
// between-class variance of values. A constant input returns that constant.
func OtsuThreshold(values []float64, bins int) float64 {
	if len(values) == 0 {
		return 0
	}
	if bins < 2 {
		bins = DefaultBins
	}

	lo, hi := floats.Min(values), floats.Max(values)
	if lo == hi {
		return lo
	}

	width := (hi - lo) / float64(bins)
	hist := make([]float64, bins)
	for _, v := range values {
		idx := int((v - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		hist[idx]++
	}

	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = lo + (float64(i)+0.5)*width
	}

	// Class weights and means for every split, from the left and the right.
	weight1 := floats.CumSum(make([]float64, bins), hist)
	weighted := floats.MulTo(make([]float64, bins), hist, centers)
	cum1 := floats.CumSum(make([]float64, bins), weighted)

	weight2 := floats.CumSum(make([]float64, bins), reversed(hist))
	cum2 := floats.CumSum(make([]float64, bins), reversed(weighted))
	reverseInPlace(weight2)
	reverseInPlace(cum2)

	variance := make([]float64, bins-1)
	for i := 0; i < bins-1; i++ {
		mean1 := cum1[i] / weight1[i]
		mean2 := cum2[i+1] / weight2[i+1]
		d := mean1 - mean2
		variance[i] = weight1[i] * weight2[i+1] * d * d
	}

	return centers[floats.MaxIdx(variance)]
}

func reversed(s []float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

func reverseInPlace(s []float64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
