// Package tissue derives a coarse tissue-versus-background mask from a low
// resolution rendering of a whole slide.
//
// The mask is computed by thresholding the HSV saturation channel with Otsu's
// method (tissue is more saturated than glass) and cleaning the result with a
// morphological closing followed by an opening, both with a disk element.
package tissue

import (
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/dustin/go-humanize"

	"slidesampler/internal/models"
	"slidesampler/pkg/pyramid"
)

var (
	// ErrMaskType is returned when the morphology pipeline does not produce
	// a binary mask of the rendering's dimensions.
	ErrMaskType = errors.New("background mask not boolean")

	// ErrOpenCVUnavailable is returned when the OpenCV backend is requested
	// from a binary built without the gocv build tag.
	ErrOpenCVUnavailable = errors.New("opencv backend not available (build with -tags gocv)")
)

// DefaultDiskRadius is the radius of the closing and opening element.
const DefaultDiskRadius = 10

// Segmentation is the binary mask of one rendering
type Segmentation struct {
	Width     int
	Height    int
	Mask      []bool
	Threshold float64
}

// Segmenter turns an RGB rendering into a tissue mask
type Segmenter interface {
	Segment(img image.Image) (*Segmentation, error)
}

// OtsuSegmenter is the pure Go saturation/Otsu/morphology pipeline
type OtsuSegmenter struct {
	DiskRadius int
	Bins       int
}

// NewSegmenter returns the segmenter for a backend name ("go" or "opencv").
func NewSegmenter(backend string, radius int) (Segmenter, error) {
	switch backend {
	case "", "go":
		return &OtsuSegmenter{DiskRadius: radius, Bins: DefaultBins}, nil
	case "opencv":
		return newOpenCVSegmenter(radius)
	default:
		return nil, fmt.Errorf("unknown segmentation backend %q", backend)
	}
}

// Segment implements Segmenter.
func (s *OtsuSegmenter) Segment(img image.Image) (*Segmentation, error) {
	sat, w, h := Saturation(img)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty rendering %dx%d", w, h)
	}

	threshold := OtsuThreshold(sat, s.Bins)
	high := make([]bool, len(sat))
	for i, v := range sat {
		high[i] = v > threshold
	}

	se := disk(s.DiskRadius)
	mask := opening(closing(high, w, h, se), w, h, se)

	seg := &Segmentation{Width: w, Height: h, Mask: mask, Threshold: threshold}
	if err := seg.validate(); err != nil {
		return nil, err
	}
	return seg, nil
}

func (s *Segmentation) validate() error {
	if s.Width <= 0 || s.Height <= 0 || len(s.Mask) != s.Width*s.Height {
		return fmt.Errorf("%w: got %d values for %dx%d", ErrMaskType, len(s.Mask), s.Width, s.Height)
	}
	return nil
}

// MaskParams controls BuildMask
type MaskParams struct {
	// Downsampling is the desired background level factor, e.g. 32
	Downsampling float64

	// Tolerance bounds the distance between Downsampling and the chosen level
	Tolerance float64

	// SamplingLevel is the slide level patches are read at
	SamplingLevel int

	// PatchSize is the patch edge length at SamplingLevel
	PatchSize int

	Segmenter Segmenter
	Logger    *slog.Logger
}

// BuildMask renders the slide at the resolved background level, segments it
// and returns the mask with the patch footprint expressed in mask pixels.
func BuildMask(slide pyramid.Image, p MaskParams) (*models.BackgroundMask, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seg := p.Segmenter
	if seg == nil {
		seg = &OtsuSegmenter{DiskRadius: DefaultDiskRadius, Bins: DefaultBins}
	}

	binding, err := pyramid.ResolveLevel(slide, p.Downsampling, p.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve background level: %w", err)
	}

	dims, err := slide.LevelDimensions(binding.Level)
	if err != nil {
		return nil, err
	}

	logger.Info("generating background mask", "level", binding.Level, "downsampling", binding.Downsample,
		"width", dims.X, "height", dims.Y)

	rendering, err := slide.ReadRegion(image.Point{}, binding.Level, dims)
	if err != nil {
		return nil, fmt.Errorf("failed to render background level: %w", err)
	}

	s, err := seg.Segment(rendering)
	if err != nil {
		return nil, err
	}
	if s.Width != dims.X || s.Height != dims.Y {
		return nil, fmt.Errorf("%w: mask is %dx%d but level is %dx%d", ErrMaskType, s.Width, s.Height, dims.X, dims.Y)
	}

	footprint, err := pyramid.ConverterFor(slide).Floor(p.PatchSize, p.SamplingLevel, binding.Level)
	if err != nil {
		return nil, err
	}
	// A patch smaller than one mask pixel still covers that pixel.
	footprint = max(footprint, 1)

	mask := &models.BackgroundMask{
		Width:     s.Width,
		Height:    s.Height,
		Data:      s.Mask,
		Binding:   binding,
		Footprint: footprint,
	}

	logger.Info("generated background mask", "binding", binding.String(), "threshold", s.Threshold,
		"tissue_fraction", mask.TissueFraction(), "footprint", footprint,
		"size", humanize.Bytes(uint64(len(mask.Data))))

	return mask, nil
}
