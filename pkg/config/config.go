// Package config provides configuration loading and management for slidesampler.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"slidesampler/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores bounds how many slides are processed concurrently
		NumCores int `yaml:"numCores"`

		// Seed seeds the patch sampler; 0 seeds from the clock
		Seed uint64 `yaml:"seed"`
	} `yaml:"processing"`

	// Sampling parameters
	Sampling struct {
		// Downsampling is the desired level factor patches are read at
		Downsampling float64 `yaml:"downsampling"`

		// PatchSize is the patch edge length in pixels at the sampling level
		PatchSize int `yaml:"patchSize"`

		// LevelTolerance bounds the distance to the resolved level's factor
		LevelTolerance float64 `yaml:"levelTolerance"`

		// NumPatches is the number of patches drawn per slide
		NumPatches int `yaml:"numPatches"`

		// TissueThreshold is the background mask coverage a patch must exceed
		TissueThreshold float64 `yaml:"tissueThreshold"`

		// ClassLow and ClassHigh bound the annotation mean of pure patches
		ClassLow  float64 `yaml:"classLow"`
		ClassHigh float64 `yaml:"classHigh"`

		// MaxAttempts bounds the origins drawn per patch, tissue and class
		// checks together
		MaxAttempts int `yaml:"maxAttempts"`

		// AnnotationEncoding declares annotation pixel values: label, byte or uint16
		AnnotationEncoding string `yaml:"annotationEncoding"`
	} `yaml:"sampling"`

	// Background mask parameters
	Background struct {
		// Downsampling is the desired level factor the mask is computed at
		Downsampling float64 `yaml:"downsampling"`

		// Tolerance bounds the distance to the resolved level's factor
		Tolerance float64 `yaml:"tolerance"`

		// DiskRadius is the radius of the closing and opening element
		DiskRadius int `yaml:"diskRadius"`

		// Backend selects the segmentation implementation: go or opencv
		Backend string `yaml:"backend"`
	} `yaml:"background"`

	// Pyramid parameters for single-image slides
	Pyramid struct {
		// Factors are the downsampling factors of the generated levels
		Factors []float64 `yaml:"factors"`
	} `yaml:"pyramid"`

	// Output parameters
	Output struct {
		// Dir receives mask bundles, patch tables and patch images
		Dir string `yaml:"dir"`

		// SaveMaskBundle writes each slide's background mask
		SaveMaskBundle bool `yaml:"saveMaskBundle"`

		// SavePatches writes every accepted patch as an image
		SavePatches bool `yaml:"savePatches"`

		// PatchFormat is png or tiff
		PatchFormat string `yaml:"patchFormat"`

		// Catalog is the SQLite patch catalog path; empty disables it
		Catalog string `yaml:"catalog"`

		// LogFile enables a rotating log file instead of stderr
		LogFile string `yaml:"logFile"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Seed = 0

	// Set default sampling parameters
	cfg.Sampling.Downsampling = 1.0
	cfg.Sampling.PatchSize = 256
	cfg.Sampling.LevelTolerance = 0.1
	cfg.Sampling.NumPatches = 1000
	cfg.Sampling.TissueThreshold = 0.9
	cfg.Sampling.ClassLow = 0.1
	cfg.Sampling.ClassHigh = 0.9
	cfg.Sampling.MaxAttempts = 10000
	cfg.Sampling.AnnotationEncoding = models.EncodingLabel.String()

	// Set default background mask parameters
	cfg.Background.Downsampling = 32
	cfg.Background.Tolerance = 0.1
	cfg.Background.DiskRadius = 10
	cfg.Background.Backend = "go"

	cfg.Pyramid.Factors = []float64{1, 4, 16, 32}

	// Set default output parameters
	cfg.Output.Dir = "output"
	cfg.Output.SaveMaskBundle = true
	cfg.Output.SavePatches = false
	cfg.Output.PatchFormat = "png"
	cfg.Output.Catalog = ""
	cfg.Output.LogFile = ""
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks value ranges that YAML cannot express
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("processing.numCores must be at least 1, got %d", c.Processing.NumCores)
	}
	if c.Sampling.PatchSize <= 0 {
		return fmt.Errorf("sampling.patchSize must be positive, got %d", c.Sampling.PatchSize)
	}
	if c.Sampling.NumPatches < 0 {
		return fmt.Errorf("sampling.numPatches must not be negative, got %d", c.Sampling.NumPatches)
	}
	if c.Sampling.MaxAttempts <= 0 {
		return fmt.Errorf("sampling.maxAttempts must be positive, got %d", c.Sampling.MaxAttempts)
	}
	if c.Sampling.TissueThreshold < 0 || c.Sampling.TissueThreshold >= 1 {
		return fmt.Errorf("sampling.tissueThreshold must be in [0,1), got %g", c.Sampling.TissueThreshold)
	}
	if c.Sampling.ClassLow > c.Sampling.ClassHigh {
		return fmt.Errorf("sampling.classLow %g exceeds classHigh %g", c.Sampling.ClassLow, c.Sampling.ClassHigh)
	}
	if _, err := models.ParseEncoding(c.Sampling.AnnotationEncoding); err != nil {
		return fmt.Errorf("sampling.annotationEncoding: %w", err)
	}
	if c.Background.DiskRadius < 0 {
		return fmt.Errorf("background.diskRadius must not be negative, got %d", c.Background.DiskRadius)
	}
	switch c.Output.PatchFormat {
	case "", "png", "tiff":
	default:
		return fmt.Errorf("output.patchFormat must be png or tiff, got %q", c.Output.PatchFormat)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
