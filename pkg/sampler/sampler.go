package sampler

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"

	"slidesampler/internal/models"
	"slidesampler/pkg/pyramid"
)

// ExhaustedError reports a draw that found no acceptable patch
type ExhaustedError struct {
	Attempts int

	// Classed is set for classed draws, with the filter that was applied.
	Classed bool
	Filter  models.ClassFilter
}

func (e *ExhaustedError) Error() string {
	if e.Classed {
		return fmt.Sprintf("%v: no patch of class %s after %d attempts", ErrSamplingExhausted, e.Filter, e.Attempts)
	}
	return fmt.Sprintf("%v: no tissue patch after %d attempts", ErrSamplingExhausted, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error {
	return ErrSamplingExhausted
}

// Sampler draws patches from a session. It is not safe for concurrent use;
// create one Sampler per goroutine from a shared Session.
type Sampler struct {
	session *Session
	rng     *rand.Rand
	sink    PatchSink
}

// NewSampler creates a sampler seeded with seed. A zero seed uses the clock.
func NewSampler(session *Session, seed uint64) *Sampler {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Sampler{
		session: session,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// SetSink registers a sink that receives every patch accepted while building
// a patch table.
func (s *Sampler) SetSink(sink PatchSink) {
	s.sink = sink
}

// Session returns the sampler's session.
func (s *Sampler) Session() *Session {
	return s.session
}

// GetPatch draws a patch whose background mask coverage exceeds the tissue
// threshold.
func (s *Sampler) GetPatch(ctx context.Context) (*models.Patch, error) {
	budget := s.session.params.MaxAttempts
	origin, ok, err := s.tissueOrigin(ctx, &budget)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ExhaustedError{Attempts: s.session.params.MaxAttempts}
	}
	return s.readPatch(origin, models.ClassNone)
}

// GetClassedPatch draws a tissue patch whose annotation region is purely
// one class accepted by filter. Tissue candidates and annotation checks share
// one MaxAttempts budget.
func (s *Sampler) GetClassedPatch(ctx context.Context, filter models.ClassFilter) (*models.Patch, error) {
	if s.session.annotation == nil {
		return nil, ErrNoAnnotation
	}

	budget := s.session.params.MaxAttempts
	for {
		origin, ok, err := s.tissueOrigin(ctx, &budget)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		mean, err := s.annotationMean(origin)
		if err != nil {
			return nil, err
		}

		class := s.classify(mean)
		if filter.Accepts(class) {
			return s.readPatch(origin, class)
		}
	}

	return nil, &ExhaustedError{Attempts: s.session.params.MaxAttempts, Classed: true, Filter: filter}
}

// tissueOrigin draws level-0 origins until one passes the background mask.
// Every draw spends one unit of budget; ok is false once it runs out.
func (s *Sampler) tissueOrigin(ctx context.Context, budget *int) (image.Point, bool, error) {
	ss := s.session
	for ; *budget > 0; *budget-- {
		if err := ctx.Err(); err != nil {
			return image.Point{}, false, err
		}

		w := s.rng.Intn(ss.widthAvailable)
		h := s.rng.Intn(ss.heightAvailable)

		mx := pyramid.FloorScaled(w, ss.maskScale)
		my := pyramid.FloorScaled(h, ss.maskScale)
		if ss.mask.Coverage(mx, my) > ss.params.TissueThreshold {
			*budget--
			return image.Pt(w, h), true, nil
		}
	}
	return image.Point{}, false, nil
}

// readPatch reads the slide pixels of an accepted origin.
func (s *Sampler) readPatch(origin image.Point, class models.Class) (*models.Patch, error) {
	ss := s.session
	size := image.Pt(ss.params.PatchSize, ss.params.PatchSize)
	region, err := ss.slide.ReadRegion(origin, ss.binding.Level, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read patch at (%d,%d): %w", origin.X, origin.Y, err)
	}

	return &models.Patch{
		Image: pyramid.Opaque(region),
		Record: models.PatchRecord{
			W:      origin.X,
			H:      origin.Y,
			Parent: ss.params.Parent,
			Level:  ss.binding.Level,
			Size:   ss.params.PatchSize,
			Class:  class,
		},
	}, nil
}

// annotationMean returns the mean normalised annotation value of the patch
// area starting at origin.
func (s *Sampler) annotationMean(origin image.Point) (float64, error) {
	ss := s.session
	size := ss.params.PatchSize
	region, err := ss.annotation.ReadRegion(origin, ss.annotationBinding.Level, image.Pt(size, size))
	if err != nil {
		return 0, fmt.Errorf("failed to read annotation at (%d,%d): %w", origin.X, origin.Y, err)
	}

	b := region.Bounds()
	values := make([]float64, 0, size*size)
	for y := b.Min.Y; y < b.Min.Y+size; y++ {
		for x := b.Min.X; x < b.Min.X+size; x++ {
			values = append(values, ss.encoding.Normalize(rawGray(region, x, y)))
		}
	}
	return stat.Mean(values, nil), nil
}

// rawGray returns the gray value at (x, y) at the image's native depth:
// 16 bits for Gray16 and 8 bits for everything else.
func rawGray(img image.Image, x, y int) uint16 {
	switch v := img.(type) {
	case *image.Gray16:
		return v.Gray16At(x, y).Y
	case *image.Gray:
		return uint16(v.GrayAt(x, y).Y)
	default:
		return uint16(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
	}
}

// classify maps an annotation mean to a class, ClassNone when mixed.
func (s *Sampler) classify(mean float64) models.Class {
	p := s.session.params
	switch {
	case mean < p.ClassLow:
		return models.ClassBackground
	case mean > p.ClassHigh:
		return models.ClassForeground
	default:
		return models.ClassNone
	}
}
