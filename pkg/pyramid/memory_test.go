package pyramid

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/draw"
)

// createTestImage creates an RGBA image filled by pattern
func createTestImage(width, height int, pattern func(x, y int) color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, pattern(x, y))
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

// TestBuild verifies level dimensions of a derived pyramid
func TestBuild(t *testing.T) {
	base := createTestImage(256, 128, func(x, y int) color.RGBA {
		return color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255}
	})

	m, err := Build(base, []float64{1, 4, 16, 32})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := []image.Point{{256, 128}, {64, 32}, {16, 8}, {8, 4}}
	for level, w := range want {
		got, err := m.LevelDimensions(level)
		if err != nil {
			t.Fatalf("LevelDimensions(%d) failed: %v", level, err)
		}
		if got != w {
			t.Errorf("Level %d: expected %v, got %v", level, w, got)
		}
	}

	if m.Dimensions() != (image.Point{256, 128}) {
		t.Errorf("Unexpected dimensions %v", m.Dimensions())
	}
	if _, err := m.LevelDimensions(4); err == nil {
		t.Error("Expected error for missing level")
	}
}

func TestBuildRejectsBadFactors(t *testing.T) {
	base := createTestImage(8, 8, func(x, y int) color.RGBA { return color.RGBA{A: 255} })
	if _, err := Build(base, []float64{2, 4}); err == nil {
		t.Error("Expected error when first factor is not 1")
	}
	if _, err := Build(base, nil); err == nil {
		t.Error("Expected error for empty factors")
	}
}

// TestBuildNearestKeepsLabels makes sure label pyramids gain no new values
func TestBuildNearestKeepsLabels(t *testing.T) {
	base := createTestImage(64, 64, func(x, y int) color.RGBA {
		if x < 32 {
			return color.RGBA{A: 255}
		}
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}
	})

	m, err := Build(base, []float64{1, 4}, WithInterpolator(draw.NearestNeighbor))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	region, err := m.ReadRegion(image.Point{}, 1, image.Pt(16, 16))
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			r, _, _, _ := region.At(x, y).RGBA()
			if r != 0 && r != 0xffff {
				t.Fatalf("Pixel (%d,%d) has interpolated value %d", x, y, r)
			}
		}
	}
}

// TestReadRegion checks origin conversion and out-of-bounds fill
func TestReadRegion(t *testing.T) {
	l0 := createTestImage(40, 40, func(x, y int) color.RGBA {
		return color.RGBA{R: uint8(x), G: uint8(y), A: 255}
	})
	l1 := createTestImage(10, 10, func(x, y int) color.RGBA {
		return color.RGBA{R: uint8(x), G: uint8(y), B: 1, A: 255}
	})

	m, err := FromLevels([]image.Image{l0, l1}, []float64{1, 4})
	if err != nil {
		t.Fatalf("FromLevels failed: %v", err)
	}

	region, err := m.ReadRegion(image.Pt(12, 20), 0, image.Pt(4, 4))
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	c := region.(*image.RGBA).RGBAAt(1, 2)
	if c.R != 13 || c.G != 22 {
		t.Errorf("Expected pixel (13,22), got (%d,%d)", c.R, c.G)
	}

	// Origin (12,20) at level 0 is (3,5) at level 1.
	region, err = m.ReadRegion(image.Pt(12, 20), 1, image.Pt(8, 8))
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	rgba := region.(*image.RGBA)
	c = rgba.RGBAAt(0, 0)
	if c.R != 3 || c.G != 5 || c.B != 1 {
		t.Errorf("Expected level 1 pixel (3,5), got (%d,%d,%d)", c.R, c.G, c.B)
	}
	// Columns beyond x=9 and rows beyond y=9 fall outside level 1.
	if c := rgba.RGBAAt(7, 0); c.A != 0 {
		t.Errorf("Expected transparent pixel outside level, got %v", c)
	}
	if c := rgba.RGBAAt(0, 6); c.A != 0 {
		t.Errorf("Expected transparent pixel outside level, got %v", c)
	}

	if _, err := m.ReadRegion(image.Point{}, 2, image.Pt(1, 1)); err == nil {
		t.Error("Expected error for invalid level")
	}
	if _, err := m.ReadRegion(image.Point{}, 0, image.Pt(0, 1)); err == nil {
		t.Error("Expected error for empty size")
	}
}

func TestOpaque(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	out := Opaque(img)
	if c := out.RGBAAt(0, 0); c != (color.RGBA{R: 10, G: 20, B: 30, A: 255}) {
		t.Errorf("Unexpected opaque pixel %v", c)
	}
	if c := out.RGBAAt(1, 0); c != (color.RGBA{A: 255}) {
		t.Errorf("Expected transparent pixel to become black, got %v", c)
	}
}

// TestOpenAndManifest writes level files to disk and opens them both ways
func TestOpenAndManifest(t *testing.T) {
	dir := t.TempDir()

	l0 := createTestImage(32, 32, func(x, y int) color.RGBA { return color.RGBA{R: 200, A: 255} })
	l1 := createTestImage(8, 8, func(x, y int) color.RGBA { return color.RGBA{G: 200, A: 255} })
	writePNG(t, filepath.Join(dir, "l0.png"), l0)
	writePNG(t, filepath.Join(dir, "l1.png"), l1)

	single, err := Open(filepath.Join(dir, "l0.png"), []float64{1, 2, 4})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := len(single.LevelDownsamples()); got != 3 {
		t.Errorf("Expected 3 levels, got %d", got)
	}

	manifestPath := filepath.Join(dir, "slide.yaml")
	manifest := &Manifest{Levels: []ManifestLevel{
		{File: "l0.png", Downsample: 1},
		{File: "l1.png", Downsample: 4},
	}}
	if err := SaveManifest(manifest, manifestPath); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}

	m, err := OpenAny(manifestPath, nil)
	if err != nil {
		t.Fatalf("OpenAny failed: %v", err)
	}
	dims, err := m.LevelDimensions(1)
	if err != nil {
		t.Fatalf("LevelDimensions failed: %v", err)
	}
	if dims != (image.Point{8, 8}) {
		t.Errorf("Expected level 1 of 8x8, got %v", dims)
	}

	if _, err := Open(filepath.Join(dir, "missing.png"), nil); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestBuildKeepsGrayDepth(t *testing.T) {
	base := image.NewGray16(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if x < 32 {
				base.SetGray16(x, y, color.Gray16{Y: 1})
			}
		}
	}

	m, err := Build(base, []float64{1, 4}, WithInterpolator(draw.NearestNeighbor))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for level := 0; level < 2; level++ {
		region, err := m.ReadRegion(image.Pt(0, 0), level, image.Pt(4, 4))
		if err != nil {
			t.Fatalf("ReadRegion failed: %v", err)
		}
		gray, ok := region.(*image.Gray16)
		if !ok {
			t.Fatalf("Level %d: expected *image.Gray16, got %T", level, region)
		}
		if v := gray.Gray16At(0, 0).Y; v != 1 {
			t.Errorf("Level %d: expected raw value 1, got %d", level, v)
		}
		if BitDepth(region) != 16 {
			t.Errorf("Level %d: expected 16-bit region", level)
		}
	}

	small := image.NewGray(image.Rect(0, 0, 8, 8))
	g, err := FromLevels([]image.Image{small}, []float64{1})
	if err != nil {
		t.Fatalf("FromLevels failed: %v", err)
	}
	region, err := g.ReadRegion(image.Pt(6, 6), 0, image.Pt(4, 4))
	if err != nil {
		t.Fatalf("ReadRegion failed: %v", err)
	}
	if _, ok := region.(*image.Gray); !ok || BitDepth(region) != 8 {
		t.Errorf("Expected 8-bit *image.Gray region, got %T", region)
	}
}
