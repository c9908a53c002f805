package models

import (
	"math"
	"testing"
)

func TestCoverage(t *testing.T) {
	// 4x4 mask with a 2x2 tissue block in the top-left corner
	m := &BackgroundMask{Width: 4, Height: 4, Data: make([]bool, 16), Footprint: 2}
	m.Data[0], m.Data[1], m.Data[4], m.Data[5] = true, true, true, true

	tests := []struct {
		x, y int
		want float64
	}{
		{0, 0, 1},
		{1, 0, 0.5},
		{1, 1, 0.25},
		{2, 2, 0},
		// The window is clipped at the border but the area stays Footprint².
		{3, 3, 0},
	}
	for _, tt := range tests {
		if got := m.Coverage(tt.x, tt.y); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Coverage(%d,%d) = %g, expected %g", tt.x, tt.y, got, tt.want)
		}
	}

	full := &BackgroundMask{Width: 3, Height: 3, Data: []bool{true, true, true, true, true, true, true, true, true}, Footprint: 2}
	if got := full.Coverage(2, 2); got != 0.25 {
		t.Errorf("Expected clipped coverage 0.25, got %g", got)
	}
	if got := full.TissueFraction(); got != 1 {
		t.Errorf("Expected tissue fraction 1, got %g", got)
	}
}

func TestMaskValidate(t *testing.T) {
	good := &BackgroundMask{Width: 2, Height: 2, Data: make([]bool, 4), Footprint: 1}
	if err := good.Validate(); err != nil {
		t.Errorf("Expected valid mask, got %v", err)
	}
	for name, m := range map[string]*BackgroundMask{
		"empty":     {Footprint: 1},
		"short":     {Width: 2, Height: 2, Data: make([]bool, 3), Footprint: 1},
		"footprint": {Width: 2, Height: 2, Data: make([]bool, 4)},
	} {
		if err := m.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
	if good.At(-1, 0) || good.At(2, 0) {
		t.Error("Expected out of range pixels to be background")
	}
}

func TestEncodingNormalize(t *testing.T) {
	tests := []struct {
		enc  Encoding
		raw  uint16
		want float64
	}{
		{EncodingLabel, 0, 0},
		{EncodingLabel, 1, 1},
		{EncodingLabel, 0xffff, 1},
		{EncodingByte, 255, 1},
		{EncodingByte, 128, 128.0 / 255.0},
		{EncodingByte, 0x0101, 1},
		{EncodingUnit16, 0xffff, 1},
		{EncodingUnit16, 1, 1.0 / 65535.0},
		{EncodingUnit16, 0, 0},
	}
	for _, tt := range tests {
		if got := tt.enc.Normalize(tt.raw); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%s.Normalize(%#x) = %g, expected %g", tt.enc, tt.raw, got, tt.want)
		}
	}

	for _, name := range []string{"label", "byte", "uint16"} {
		e, err := ParseEncoding(name)
		if err != nil || e.String() != name {
			t.Errorf("ParseEncoding(%q) = %v, %v", name, e, err)
		}
	}
	if EncodingLabel.BitDepth() != 0 || EncodingByte.BitDepth() != 8 || EncodingUnit16.BitDepth() != 16 {
		t.Error("Unexpected encoding bit depths")
	}
	if _, err := ParseEncoding("rgb"); err == nil {
		t.Error("Expected error for unknown encoding")
	}
}

func TestClassFilter(t *testing.T) {
	tests := []struct {
		filter ClassFilter
		class  Class
		want   bool
	}{
		{AnyClass, ClassBackground, true},
		{AnyClass, ClassForeground, true},
		{AnyClass, ClassNone, false},
		{OnlyBackground, ClassBackground, true},
		{OnlyBackground, ClassForeground, false},
		{OnlyForeground, ClassForeground, true},
		{OnlyForeground, ClassBackground, false},
	}
	for _, tt := range tests {
		if got := tt.filter.Accepts(tt.class); got != tt.want {
			t.Errorf("%s.Accepts(%s) = %v, expected %v", tt.filter, tt.class, got, tt.want)
		}
	}

	for in, want := range map[string]ClassFilter{"": AnyClass, "0": OnlyBackground, "foreground": OnlyForeground} {
		if got, err := ParseClassFilter(in); err != nil || got != want {
			t.Errorf("ParseClassFilter(%q) = %v, %v", in, got, err)
		}
	}
}

func TestClassLabels(t *testing.T) {
	if _, ok := ClassNone.Label(); ok {
		t.Error("Expected no label for ClassNone")
	}
	for _, c := range []Class{ClassBackground, ClassForeground} {
		label, ok := c.Label()
		if !ok {
			t.Fatalf("Expected a label for %v", c)
		}
		back, err := ClassFromLabel(label)
		if err != nil || back != c {
			t.Errorf("ClassFromLabel(%d) = %v, %v", label, back, err)
		}
	}
	if _, err := ClassFromLabel(2); err == nil {
		t.Error("Expected error for label 2")
	}

	var table PatchTable
	table.Append(PatchRecord{Class: ClassForeground})
	table.Append(PatchRecord{Class: ClassForeground})
	table.Append(PatchRecord{Class: ClassNone})
	counts := table.ClassCounts()
	if table.Len() != 3 || counts[ClassForeground] != 2 || counts[ClassNone] != 1 {
		t.Errorf("Unexpected counts %v", counts)
	}
}
