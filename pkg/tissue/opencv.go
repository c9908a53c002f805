//go:build gocv
// +build gocv

package tissue

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// OpenCVSegmenter runs the saturation/Otsu/morphology pipeline with OpenCV
type OpenCVSegmenter struct {
	DiskRadius int
}

func newOpenCVSegmenter(radius int) (Segmenter, error) {
	return &OpenCVSegmenter{DiskRadius: radius}, nil
}

// Segment implements Segmenter.
func (s *OpenCVSegmenter) Segment(img image.Image) (*Segmentation, error) {
	bgr, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert rendering: %w", err)
	}
	defer bgr.Close()
	if bgr.Empty() {
		return nil, fmt.Errorf("empty rendering")
	}

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(bgr, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()
	saturation := channels[1]

	high := gocv.NewMat()
	defer high.Close()
	threshold := gocv.Threshold(saturation, &high, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	kernel := diskKernel(s.DiskRadius)
	defer kernel.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MorphologyEx(high, &mask, gocv.MorphClose, kernel)
	gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, kernel)

	if mask.Type() != gocv.MatTypeCV8UC1 || mask.Channels() != 1 {
		return nil, fmt.Errorf("%w: morphology produced mat type %v", ErrMaskType, mask.Type())
	}

	w, h := mask.Cols(), mask.Rows()
	raw := mask.ToBytes()
	out := make([]bool, len(raw))
	for i, v := range raw {
		switch v {
		case 0:
		case 255:
			out[i] = true
		default:
			return nil, fmt.Errorf("%w: value %d at index %d", ErrMaskType, v, i)
		}
	}

	seg := &Segmentation{Width: w, Height: h, Mask: out, Threshold: float64(threshold) / 255.0}
	if err := seg.validate(); err != nil {
		return nil, err
	}
	return seg, nil
}

// diskKernel builds the same disk element as the Go pipeline.
func diskKernel(radius int) gocv.Mat {
	size := 2*radius + 1
	kernel := gocv.NewMatWithSize(size, size, gocv.MatTypeCV8U)
	kernel.SetTo(gocv.NewScalar(0, 0, 0, 0))
	for _, s := range disk(radius) {
		for dx := -s.half; dx <= s.half; dx++ {
			kernel.SetUCharAt(s.dy+radius, dx+radius, 1)
		}
	}
	return kernel
}
