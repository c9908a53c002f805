// Package sampler draws fixed-size patches from a whole slide image, keeping
// only patches that are mostly tissue and, when an annotation mask is
// attached, only patches that are purely one annotation class.
//
// Sampling happens in two stages. NewSession resolves the pyramid levels and
// builds the background mask once; the resulting Session is immutable and may
// be shared. A Sampler pairs a Session with its own random source and does the
// actual rejection sampling.
package sampler

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"slidesampler/internal/models"
	"slidesampler/pkg/pyramid"
	"slidesampler/pkg/tissue"
)

var (
	// ErrInconsistentGeometry is returned when the annotation's resolved level
	// does not have the slide's sampling downsampling.
	ErrInconsistentGeometry = errors.New("annotation and slide levels are inconsistent")

	// ErrPatchTooLarge is returned when a patch does not fit in the slide at
	// the sampling level.
	ErrPatchTooLarge = errors.New("patch size exceeds slide dimensions")

	// ErrEncodingMismatch is returned when an annotation's pixel depth does not
	// match its declared encoding.
	ErrEncodingMismatch = errors.New("annotation bit depth does not match encoding")

	// ErrNoAnnotation is returned by classed draws on a session without an
	// annotation mask.
	ErrNoAnnotation = errors.New("no annotation mask attached")

	// ErrSamplingExhausted is returned when no acceptable patch was found
	// within the attempt budget.
	ErrSamplingExhausted = errors.New("sampling exhausted")
)

// GeometryTolerance bounds the difference between the slide and annotation
// downsampling factors.
const GeometryTolerance = 1e-3

// Params holds the sampling parameters of a session
type Params struct {
	// Parent identifies the slide in patch records, usually its path.
	Parent string

	// Downsampling is the desired sampling factor, 1 for full resolution.
	Downsampling float64

	// LevelTolerance bounds the distance between Downsampling and the
	// resolved level's factor, for the slide and the annotation.
	LevelTolerance float64

	// PatchSize is the patch edge length in pixels at the sampling level.
	PatchSize int

	// TissueThreshold is the mask coverage a patch must exceed.
	TissueThreshold float64

	// ClassLow and ClassHigh are the annotation means below which a patch is
	// class 0 and above which it is class 1.
	ClassLow  float64
	ClassHigh float64

	// MaxAttempts bounds the origins drawn by a single GetPatch or
	// GetClassedPatch call. A classed call spends the same budget on tissue
	// candidates and on annotation checks.
	MaxAttempts int

	// BackgroundDownsampling and BackgroundTolerance select the level the
	// background mask is computed at.
	BackgroundDownsampling float64
	BackgroundTolerance    float64
}

// DefaultParams returns the default sampling parameters.
func DefaultParams() Params {
	return Params{
		Downsampling:           1.0,
		LevelTolerance:         0.1,
		PatchSize:              256,
		TissueThreshold:        0.9,
		ClassLow:               0.1,
		ClassHigh:              0.9,
		MaxAttempts:            10000,
		BackgroundDownsampling: 32,
		BackgroundTolerance:    0.1,
	}
}

func (p *Params) validate() error {
	if p.PatchSize <= 0 {
		return fmt.Errorf("patch size must be positive, got %d", p.PatchSize)
	}
	if p.Downsampling <= 0 {
		return fmt.Errorf("downsampling must be positive, got %g", p.Downsampling)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.ClassLow > p.ClassHigh {
		return fmt.Errorf("class thresholds out of order: low %g > high %g", p.ClassLow, p.ClassHigh)
	}
	return nil
}

// Option configures NewSession
type Option func(*sessionOptions)

type sessionOptions struct {
	mask      *models.BackgroundMask
	segmenter tissue.Segmenter
	logger    *slog.Logger
}

// WithMask uses a previously built background mask instead of building one.
func WithMask(mask *models.BackgroundMask) Option {
	return func(o *sessionOptions) {
		o.mask = mask
	}
}

// WithSegmenter sets the segmentation backend used to build the mask.
func WithSegmenter(s tissue.Segmenter) Option {
	return func(o *sessionOptions) {
		o.segmenter = s
	}
}

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *sessionOptions) {
		o.logger = l
	}
}

// Session is the resolved, read-only sampling state of one slide
type Session struct {
	slide  pyramid.Image
	params Params

	// binding is the slide level patches are read at
	binding models.LevelBinding

	// widthAvailable and heightAvailable bound the level-0 origins of patches
	widthAvailable  int
	heightAvailable int

	mask *models.BackgroundMask

	// maskScale maps level-0 coordinates to mask pixels
	maskScale float64

	annotation        pyramid.Image
	annotationBinding models.LevelBinding
	encoding          models.Encoding

	logger *slog.Logger
}

// NewSession resolves the sampling level of slide and builds its background
// mask. Setup errors abort the session.
func NewSession(slide pyramid.Image, params Params, opts ...Option) (*Session, error) {
	o := &sessionOptions{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := params.validate(); err != nil {
		return nil, err
	}

	binding, err := pyramid.ResolveLevel(slide, params.Downsampling, params.LevelTolerance)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sampling level: %w", err)
	}

	dims := slide.Dimensions()
	extent := binding.Downsample * float64(params.PatchSize)
	widthAvailable := int(float64(dims.X) - extent)
	heightAvailable := int(float64(dims.Y) - extent)
	if widthAvailable <= 0 || heightAvailable <= 0 {
		return nil, fmt.Errorf("%w: %d pixels at %s cover %g level-0 pixels, slide is %dx%d",
			ErrPatchTooLarge, params.PatchSize, binding, extent, dims.X, dims.Y)
	}

	mask := o.mask
	if mask == nil {
		mask, err = tissue.BuildMask(slide, tissue.MaskParams{
			Downsampling:  params.BackgroundDownsampling,
			Tolerance:     params.BackgroundTolerance,
			SamplingLevel: binding.Level,
			PatchSize:     params.PatchSize,
			Segmenter:     o.segmenter,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build background mask: %w", err)
		}
	} else if err := checkMask(slide, mask); err != nil {
		return nil, err
	}

	s := &Session{
		slide:           slide,
		params:          params,
		binding:         binding,
		widthAvailable:  widthAvailable,
		heightAvailable: heightAvailable,
		mask:            mask,
		maskScale:       1 / mask.Binding.Downsample,
		logger:          logger,
	}

	logger.Info("sampling session ready", "parent", params.Parent, "binding", binding.String(),
		"width_available", widthAvailable, "height_available", heightAvailable,
		"mask", mask.Binding.String(), "footprint", mask.Footprint)

	return s, nil
}

// checkMask verifies a supplied mask against the slide it is used with.
func checkMask(slide pyramid.Image, mask *models.BackgroundMask) error {
	if err := mask.Validate(); err != nil {
		return fmt.Errorf("invalid background mask: %w", err)
	}
	level := mask.Binding.Level
	factors := slide.LevelDownsamples()
	if level < 0 || level >= len(factors) {
		return fmt.Errorf("%w: background mask level %d", pyramid.ErrInvalidLevel, level)
	}
	if math.Abs(factors[level]-mask.Binding.Downsample) > GeometryTolerance {
		return fmt.Errorf("%w: mask was built at downsampling %g, slide level %d has %g",
			ErrInconsistentGeometry, mask.Binding.Downsample, level, factors[level])
	}
	dims, err := slide.LevelDimensions(level)
	if err != nil {
		return err
	}
	if dims.X != mask.Width || dims.Y != mask.Height {
		return fmt.Errorf("%w: mask is %dx%d, slide level %d is %dx%d",
			ErrInconsistentGeometry, mask.Width, mask.Height, level, dims.X, dims.Y)
	}
	return nil
}

// WithAnnotation returns a copy of the session with an annotation mask
// attached. The annotation is resolved at the session's desired downsampling
// and must land on the same factor as the slide, and its pixel depth must suit
// encoding. The receiver is unchanged.
func (s *Session) WithAnnotation(annotation pyramid.Image, encoding models.Encoding) (*Session, error) {
	binding, err := pyramid.ResolveLevel(annotation, s.params.Downsampling, s.params.LevelTolerance)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve annotation level: %w", err)
	}

	if math.Abs(binding.Downsample-s.binding.Downsample) > GeometryTolerance {
		return nil, fmt.Errorf("%w: slide samples at %s, annotation resolves to %s",
			ErrInconsistentGeometry, s.binding, binding)
	}

	sample, err := annotation.ReadRegion(image.Point{}, binding.Level, image.Pt(1, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to read annotation: %w", err)
	}
	if want, got := encoding.BitDepth(), pyramid.BitDepth(sample); want != 0 && want != got {
		return nil, fmt.Errorf("%w: %s encoding needs %d-bit values, annotation is %d-bit",
			ErrEncodingMismatch, encoding, want, got)
	}

	attached := *s
	attached.annotation = annotation
	attached.annotationBinding = binding
	attached.encoding = encoding

	s.logger.Info("attached annotation mask", "parent", s.params.Parent,
		"binding", binding.String(), "encoding", encoding.String())

	return &attached, nil
}

// Params returns the session's sampling parameters.
func (s *Session) Params() Params {
	return s.params
}

// Binding returns the slide level patches are read at.
func (s *Session) Binding() models.LevelBinding {
	return s.binding
}

// Mask returns the session's background mask. It must not be modified.
func (s *Session) Mask() *models.BackgroundMask {
	return s.mask
}

// Available returns the exclusive upper bounds of patch origins at level 0.
func (s *Session) Available() (width, height int) {
	return s.widthAvailable, s.heightAvailable
}

// HasAnnotation reports whether an annotation mask is attached.
func (s *Session) HasAnnotation() bool {
	return s.annotation != nil
}

// AnnotationBinding returns the annotation level, if one is attached.
func (s *Session) AnnotationBinding() (models.LevelBinding, bool) {
	return s.annotationBinding, s.annotation != nil
}

// Describe summarises the session for logs and reports.
func (s *Session) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "slide %s: %s\n", s.params.Parent, pyramid.Describe(s.slide))
	fmt.Fprintf(&b, "  sampling at %s, patch size %d\n", s.binding, s.params.PatchSize)
	fmt.Fprintf(&b, "  patch origins in [0,%d) x [0,%d)\n", s.widthAvailable, s.heightAvailable)
	fmt.Fprintf(&b, "  background mask %dx%d at %s, footprint %d, tissue %.1f%%\n",
		s.mask.Width, s.mask.Height, s.mask.Binding, s.mask.Footprint, 100*s.mask.TissueFraction())
	if s.annotation != nil {
		fmt.Fprintf(&b, "  annotation at %s, encoding %s\n", s.annotationBinding, s.encoding)
	} else {
		b.WriteString("  no annotation\n")
	}
	return b.String()
}

// SlideID derives a file-name friendly identifier from a slide path.
func SlideID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
