package models

import (
	"fmt"
	"math"
)

// BackgroundMask is a binary tissue mask of a slide at a coarse pyramid level
type BackgroundMask struct {
	// Width and Height are the mask dimensions in pixels at Binding's level
	Width  int
	Height int

	// Data holds Width*Height values in row-major order; true marks tissue
	Data []bool

	// Binding is the pyramid level the mask was computed at
	Binding LevelBinding

	// Footprint is the patch edge length expressed in mask pixels
	Footprint int
}

// At returns the mask value at column x, row y. Out of range is background.
func (m *BackgroundMask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Data[y*m.Width+x]
}

// Validate checks that the mask's storage matches its dimensions.
func (m *BackgroundMask) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("mask has invalid dimensions %dx%d", m.Width, m.Height)
	}
	if len(m.Data) != m.Width*m.Height {
		return fmt.Errorf("mask holds %d values, want %d", len(m.Data), m.Width*m.Height)
	}
	if m.Footprint <= 0 {
		return fmt.Errorf("mask footprint must be positive, got %d", m.Footprint)
	}
	return nil
}

// Coverage returns the fraction of tissue in the footprint window whose top-left
// corner is (x, y). The window is clipped at the mask borders but the
// denominator is always the full footprint area.
func (m *BackgroundMask) Coverage(x, y int) float64 {
	if m.Footprint <= 0 {
		return 0
	}
	x1 := min(x+m.Footprint, m.Width)
	y1 := min(y+m.Footprint, m.Height)
	count := 0
	for row := max(y, 0); row < y1; row++ {
		line := m.Data[row*m.Width : (row+1)*m.Width]
		for col := max(x, 0); col < x1; col++ {
			if line[col] {
				count++
			}
		}
	}
	return float64(count) / float64(m.Footprint*m.Footprint)
}

// TissueFraction returns the fraction of mask pixels marked as tissue.
func (m *BackgroundMask) TissueFraction() float64 {
	if len(m.Data) == 0 {
		return 0
	}
	count := 0
	for _, v := range m.Data {
		if v {
			count++
		}
	}
	return float64(count) / float64(len(m.Data))
}

// Encoding declares how annotation mask pixel values map to the unit range
type Encoding int

const (
	// EncodingLabel stores the class index directly (0 or 1) in the gray
	// value, at 8 or 16 bits
	EncodingLabel Encoding = iota

	// EncodingByte stores labels as 0 and 255 in an 8-bit image
	EncodingByte

	// EncodingUnit16 stores labels as 0 and 65535 in a 16-bit image
	EncodingUnit16
)

// Normalize maps a raw gray value, read at the annotation's native bit depth,
// to [0, 1]. Values above the encoding's range clamp to 1.
func (e Encoding) Normalize(raw uint16) float64 {
	var v float64
	switch e {
	case EncodingByte:
		v = float64(raw) / 255.0
	case EncodingUnit16:
		v = float64(raw) / 65535.0
	default:
		v = float64(raw)
	}
	return math.Min(v, 1)
}

// BitDepth returns the pixel depth an encoding requires, 0 when any depth works.
func (e Encoding) BitDepth() int {
	switch e {
	case EncodingByte:
		return 8
	case EncodingUnit16:
		return 16
	default:
		return 0
	}
}

func (e Encoding) String() string {
	switch e {
	case EncodingByte:
		return "byte"
	case EncodingUnit16:
		return "uint16"
	default:
		return "label"
	}
}

// ParseEncoding parses an encoding name as used in configuration files.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "label":
		return EncodingLabel, nil
	case "byte":
		return EncodingByte, nil
	case "uint16":
		return EncodingUnit16, nil
	default:
		return EncodingLabel, fmt.Errorf("unknown annotation encoding %q", s)
	}
}
