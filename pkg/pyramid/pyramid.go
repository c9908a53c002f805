// Package pyramid defines the multi-resolution image contract used by the
// sampler and provides level resolution and level-to-level coordinate
// conversion for independently pyramided images.
package pyramid

import (
	"errors"
	"fmt"
	"image"
	"math"

	"slidesampler/internal/models"
)

var (
	// ErrLevelNotFound is returned when no pyramid level lies within tolerance
	// of a requested downsampling.
	ErrLevelNotFound = errors.New("level not found for desired downsampling")

	// ErrNoLevels is returned for an image without any pyramid level.
	ErrNoLevels = errors.New("image has no pyramid levels")

	// ErrInvalidLevel is returned when a level index is out of range.
	ErrInvalidLevel = errors.New("invalid pyramid level")
)

// Image is a multi-resolution image such as a whole slide or an annotation mask.
type Image interface {
	// Dimensions returns the full-resolution (level 0) size in pixels.
	Dimensions() image.Point

	// LevelDownsamples returns one downsampling factor per level, increasing,
	// with level 0 at full resolution.
	LevelDownsamples() []float64

	// LevelDimensions returns the pixel size of a level.
	LevelDimensions(level int) (image.Point, error)

	// ReadRegion reads size pixels of level, starting at origin given in level-0
	// coordinates. Pixels outside the level are zero, transparent black for
	// color images. Gray images are returned at their native bit depth.
	ReadRegion(origin image.Point, level int, size image.Point) (image.Image, error)
}

// BitDepth returns the per-channel depth at which a region's values are
// read: 16 for *image.Gray16, 8 for everything else.
func BitDepth(region image.Image) int {
	if _, ok := region.(*image.Gray16); ok {
		return 16
	}
	return 8
}

// LevelNotFoundError reports the factors that were available when a
// downsampling could not be resolved.
type LevelNotFoundError struct {
	Desired   float64
	Tolerance float64
	Available []float64
}

func (e *LevelNotFoundError) Error() string {
	return fmt.Sprintf("level not found for desired downsampling %g (tolerance %g), available downsampling factors are %v",
		e.Desired, e.Tolerance, e.Available)
}

func (e *LevelNotFoundError) Unwrap() error {
	return ErrLevelNotFound
}

// ResolveLevel picks the level whose downsampling is closest to desired.
// It fails when even the closest level differs by more than tolerance.
// The returned binding carries the level's own factor, which callers must
// use for all further geometry.
func ResolveLevel(img Image, desired, tolerance float64) (models.LevelBinding, error) {
	return ResolveFactors(img.LevelDownsamples(), desired, tolerance)
}

// ResolveFactors is ResolveLevel over a bare list of factors.
func ResolveFactors(factors []float64, desired, tolerance float64) (models.LevelBinding, error) {
	if len(factors) == 0 {
		return models.LevelBinding{}, &LevelNotFoundError{Desired: desired, Tolerance: tolerance}
	}

	best := 0
	bestDiff := math.Abs(desired - factors[0])
	for i := 1; i < len(factors); i++ {
		if d := math.Abs(desired - factors[i]); d < bestDiff {
			best, bestDiff = i, d
		}
	}

	if bestDiff > tolerance {
		available := make([]float64, len(factors))
		copy(available, factors)
		return models.LevelBinding{}, &LevelNotFoundError{
			Desired:   desired,
			Tolerance: tolerance,
			Available: available,
		}
	}

	return models.LevelBinding{Level: best, Downsample: factors[best]}, nil
}

// Converter rescales coordinates and lengths between the levels of one image.
type Converter struct {
	downsamples []float64
}

// NewConverter creates a converter for the given per-level factors.
func NewConverter(downsamples []float64) *Converter {
	d := make([]float64, len(downsamples))
	copy(d, downsamples)
	return &Converter{downsamples: d}
}

// ConverterFor creates a converter for an image's levels.
func ConverterFor(img Image) *Converter {
	return NewConverter(img.LevelDownsamples())
}

// Scale returns the factor that maps level in to level out.
func (c *Converter) Scale(in, out int) (float64, error) {
	if in < 0 || in >= len(c.downsamples) {
		return 0, fmt.Errorf("%w: %d (have %d levels)", ErrInvalidLevel, in, len(c.downsamples))
	}
	if out < 0 || out >= len(c.downsamples) {
		return 0, fmt.Errorf("%w: %d (have %d levels)", ErrInvalidLevel, out, len(c.downsamples))
	}
	return c.downsamples[in] / c.downsamples[out], nil
}

// Real converts x from level in to level out without rounding.
func (c *Converter) Real(x float64, in, out int) (float64, error) {
	s, err := c.Scale(in, out)
	if err != nil {
		return 0, err
	}
	return x * s, nil
}

// Floor converts x from level in to level out and floors the result so it can
// index arrays and regions. Negative results clamp to zero.
func (c *Converter) Floor(x int, in, out int) (int, error) {
	s, err := c.Scale(in, out)
	if err != nil {
		return 0, err
	}
	return FloorScaled(x, s), nil
}

// FloorScaled floors x*scale, clamping at zero.
func FloorScaled(x int, scale float64) int {
	v := math.Floor(float64(x) * scale)
	if v < 0 {
		return 0
	}
	return int(v)
}

// ValidateDownsamples checks that factors are positive and increasing.
func ValidateDownsamples(factors []float64) error {
	if len(factors) == 0 {
		return ErrNoLevels
	}
	for i, f := range factors {
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("level %d has invalid downsampling %g", i, f)
		}
		if i > 0 && f <= factors[i-1] {
			return fmt.Errorf("downsampling factors must increase, level %d has %g after %g", i, f, factors[i-1])
		}
	}
	return nil
}

// Describe summarises an image's geometry for logging.
func Describe(img Image) string {
	d := img.Dimensions()
	return fmt.Sprintf("dimensions %dx%d at level 0, %d levels with downsampling factors %v",
		d.X, d.Y, len(img.LevelDownsamples()), img.LevelDownsamples())
}
