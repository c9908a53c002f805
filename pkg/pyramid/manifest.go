package pyramid

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest lists the per-level files of a pre-exported pyramid
type Manifest struct {
	Levels []ManifestLevel `yaml:"levels"`
}

// ManifestLevel is one level file and its downsampling factor
type ManifestLevel struct {
	// File is resolved relative to the manifest's directory
	File       string  `yaml:"file"`
	Downsample float64 `yaml:"downsample"`
}

// LoadManifest reads a pyramid manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest %s: %w", path, err)
	}
	if len(m.Levels) == 0 {
		return nil, fmt.Errorf("manifest %s: %w", path, ErrNoLevels)
	}
	return &m, nil
}

// SaveManifest writes a pyramid manifest to a YAML file.
func SaveManifest(m *Manifest, path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// OpenManifest loads every level listed in a manifest file.
func OpenManifest(path string) (*Memory, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	levels := make([]image.Image, len(m.Levels))
	factors := make([]float64, len(m.Levels))
	for i, l := range m.Levels {
		file := l.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		img, err := loadImage(file)
		if err != nil {
			return nil, fmt.Errorf("manifest level %d: %w", i, err)
		}
		levels[i] = img
		factors[i] = l.Downsample
	}

	return FromLevels(levels, factors)
}

// OpenAny opens a manifest (.yaml/.yml) or a single image file.
func OpenAny(path string, factors []float64, opts ...Option) (*Memory, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return OpenManifest(path)
	default:
		return Open(path, factors, opts...)
	}
}
