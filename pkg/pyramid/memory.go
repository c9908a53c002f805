package pyramid

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// DefaultFactors are the level downsamplings built for single-image slides.
var DefaultFactors = []float64{1, 4, 16, 32}

// Memory is a multi-resolution image whose levels are held in memory.
// Gray and Gray16 sources keep their pixel type and bit depth; everything
// else is stored as RGBA.
type Memory struct {
	levels      []draw.Image
	downsamples []float64
}

// Option customises how a Memory pyramid is built
type Option func(*buildOptions)

type buildOptions struct {
	interp draw.Interpolator
}

// WithInterpolator sets the resampler used to derive coarser levels.
// Use draw.NearestNeighbor for label images so that no new values appear.
func WithInterpolator(interp draw.Interpolator) Option {
	return func(o *buildOptions) { o.interp = interp }
}

// FromLevels wraps already rendered levels. Each level is stored in its
// native gray type or copied to RGBA.
func FromLevels(levels []image.Image, downsamples []float64) (*Memory, error) {
	if len(levels) != len(downsamples) {
		return nil, fmt.Errorf("got %d levels but %d downsampling factors", len(levels), len(downsamples))
	}
	if err := ValidateDownsamples(downsamples); err != nil {
		return nil, err
	}

	m := &Memory{
		levels:      make([]draw.Image, len(levels)),
		downsamples: append([]float64(nil), downsamples...),
	}
	for i, img := range levels {
		if img == nil {
			return nil, fmt.Errorf("level %d is nil", i)
		}
		m.levels[i] = native(img)
	}
	return m, nil
}

// Build derives a pyramid from a full-resolution image. Factor 1 must come first.
func Build(base image.Image, factors []float64, opts ...Option) (*Memory, error) {
	if err := ValidateDownsamples(factors); err != nil {
		return nil, err
	}
	if factors[0] != 1 {
		return nil, fmt.Errorf("first downsampling factor must be 1, got %g", factors[0])
	}

	o := buildOptions{interp: draw.BiLinear}
	for _, opt := range opts {
		opt(&o)
	}

	level0 := native(base)
	dims := level0.Bounds().Size()

	m := &Memory{
		levels:      []draw.Image{level0},
		downsamples: append([]float64(nil), factors...),
	}

	// Each level is scaled from the previous one to keep the kernel support small.
	for i := 1; i < len(factors); i++ {
		w := max(1, int(math.Floor(float64(dims.X)/factors[i])))
		h := max(1, int(math.Floor(float64(dims.Y)/factors[i])))
		dst := newLike(level0, image.Rect(0, 0, w, h))
		src := m.levels[i-1]
		o.interp.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		m.levels = append(m.levels, dst)
	}

	return m, nil
}

// Open decodes an image file (TIFF, PNG, JPEG or BMP) and builds a pyramid at
// the given factors, or DefaultFactors when factors is empty.
func Open(path string, factors []float64, opts ...Option) (*Memory, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	if len(factors) == 0 {
		factors = DefaultFactors
	}
	m, err := Build(img, factors, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build pyramid for %s: %w", path, err)
	}
	return m, nil
}

// Dimensions implements Image.
func (m *Memory) Dimensions() image.Point {
	return m.levels[0].Bounds().Size()
}

// LevelDownsamples implements Image.
func (m *Memory) LevelDownsamples() []float64 {
	return append([]float64(nil), m.downsamples...)
}

// LevelDimensions implements Image.
func (m *Memory) LevelDimensions(level int) (image.Point, error) {
	if level < 0 || level >= len(m.levels) {
		return image.Point{}, fmt.Errorf("%w: %d (have %d levels)", ErrInvalidLevel, level, len(m.levels))
	}
	return m.levels[level].Bounds().Size(), nil
}

// ReadRegion implements Image.
func (m *Memory) ReadRegion(origin image.Point, level int, size image.Point) (image.Image, error) {
	if level < 0 || level >= len(m.levels) {
		return nil, fmt.Errorf("%w: %d (have %d levels)", ErrInvalidLevel, level, len(m.levels))
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid region size %v", size)
	}

	ds := m.downsamples[level]
	at := image.Point{
		X: int(math.Floor(float64(origin.X) / ds)),
		Y: int(math.Floor(float64(origin.Y) / ds)),
	}

	src := m.levels[level]
	dst := newLike(src, image.Rect(0, 0, size.X, size.Y))
	draw.Copy(dst, image.Point{}, src, image.Rectangle{Min: at, Max: at.Add(size)}, draw.Src, nil)
	return dst, nil
}

// loadImage loads an image from a file
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}

// native returns img anchored at the origin as a Gray, Gray16 or RGBA image.
func native(img image.Image) draw.Image {
	switch v := img.(type) {
	case *image.Gray:
		if v.Bounds().Min == (image.Point{}) {
			return v
		}
	case *image.Gray16:
		if v.Bounds().Min == (image.Point{}) {
			return v
		}
	case *image.RGBA:
		if v.Bounds().Min == (image.Point{}) {
			return v
		}
	}
	b := img.Bounds()
	dst := newLike(img, image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// newLike allocates an image of r with the storage type native uses for img.
func newLike(img image.Image, r image.Rectangle) draw.Image {
	switch img.(type) {
	case *image.Gray:
		return image.NewGray(r)
	case *image.Gray16:
		return image.NewGray16(r)
	default:
		return image.NewRGBA(r)
	}
}

// Opaque flattens an image onto black and returns a fully opaque RGBA copy,
// the fixed 3-channel representation used for patches.
func Opaque(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			// Premultiplied components are already composited onto black.
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.SetRGBA(x, y, color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(bl >> 8), A: 255})
		}
	}
	return out
}
