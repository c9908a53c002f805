package sampler

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"

	"slidesampler/internal/models"
)

// PatchSink receives accepted patches while a table is built
type PatchSink interface {
	Put(p *models.Patch) error
}

// DirSink writes every patch as an image file in Dir, named
// <slide>_<w>_<h>_c<class>.<ext>.
type DirSink struct {
	Dir string

	// Format is "png" (default) or "tiff".
	Format string
}

// Put implements PatchSink.
func (d *DirSink) Put(p *models.Patch) error {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create patch directory: %w", err)
	}

	ext := "png"
	if d.Format == "tiff" {
		ext = "tif"
	}
	r := p.Record
	name := fmt.Sprintf("%s_%d_%d_c%s.%s", SlideID(r.Parent), r.W, r.H, r.Class, ext)

	var encode func(w io.Writer) error
	switch d.Format {
	case "", "png":
		encode = func(w io.Writer) error { return png.Encode(w, p.Image) }
	case "tiff":
		encode = func(w io.Writer) error {
			return tiff.Encode(w, p.Image, &tiff.Options{Compression: tiff.Deflate})
		}
	default:
		return fmt.Errorf("unknown patch format %q", d.Format)
	}

	path := filepath.Join(d.Dir, name)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create patch file: %w", err)
	}

	if err := encode(file); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to encode patch %s: %w", name, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write patch %s: %w", name, err)
	}
	return nil
}

// BuildPatchTable draws n classed patches, any class, and returns their
// records in draw order. The first error aborts the build.
func (s *Sampler) BuildPatchTable(ctx context.Context, n int) (*models.PatchTable, error) {
	return s.buildTable(ctx, n, func(ctx context.Context) (*models.Patch, error) {
		return s.GetClassedPatch(ctx, models.AnyClass)
	})
}

// BuildPatchTableUnclassed draws n tissue patches without consulting an
// annotation. Records carry no class.
func (s *Sampler) BuildPatchTableUnclassed(ctx context.Context, n int) (*models.PatchTable, error) {
	return s.buildTable(ctx, n, s.GetPatch)
}

func (s *Sampler) buildTable(ctx context.Context, n int, draw func(context.Context) (*models.Patch, error)) (*models.PatchTable, error) {
	if n < 0 {
		return nil, fmt.Errorf("patch count must not be negative, got %d", n)
	}

	table := &models.PatchTable{Rows: make([]models.PatchRecord, 0, n)}
	for i := 0; i < n; i++ {
		p, err := draw(ctx)
		if err != nil {
			return nil, err
		}
		if s.sink != nil {
			if err := s.sink.Put(p); err != nil {
				return nil, err
			}
		}
		table.Append(p.Record)

		if (i+1)%100 == 0 {
			s.session.logger.Debug("sampled patches", "parent", s.session.params.Parent, "count", i+1, "total", n)
		}
	}

	s.session.logger.Info("built patch table", "parent", s.session.params.Parent, "rows", table.Len())
	return table, nil
}
