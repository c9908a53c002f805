package models

import (
	"fmt"
	"image"
)

// LevelBinding is a pyramid level chosen for a requested downsampling
type LevelBinding struct {
	// Level is the index into the image's pyramid (0 = full resolution)
	Level int

	// Downsample is the exact factor of Level, which is generally not the
	// factor that was requested
	Downsample float64
}

func (b LevelBinding) String() string {
	return fmt.Sprintf("level %d (downsampling of %g)", b.Level, b.Downsample)
}

// Class is the annotation label attached to a patch
type Class int

const (
	// ClassNone means the patch was sampled without an annotation filter
	ClassNone Class = iota

	// ClassBackground is annotation class 0
	ClassBackground

	// ClassForeground is annotation class 1
	ClassForeground
)

// Label returns the numeric class label and whether the patch has one.
func (c Class) Label() (int, bool) {
	switch c {
	case ClassBackground:
		return 0, true
	case ClassForeground:
		return 1, true
	default:
		return 0, false
	}
}

func (c Class) String() string {
	switch c {
	case ClassBackground:
		return "0"
	case ClassForeground:
		return "1"
	default:
		return "none"
	}
}

// ClassFromLabel maps a stored 0/1 label back to a Class.
func ClassFromLabel(label int) (Class, error) {
	switch label {
	case 0:
		return ClassBackground, nil
	case 1:
		return ClassForeground, nil
	default:
		return ClassNone, fmt.Errorf("invalid class label %d", label)
	}
}

// ClassFilter restricts which annotation classes a classed draw may return
type ClassFilter int

const (
	// AnyClass accepts pure background and pure foreground patches
	AnyClass ClassFilter = iota

	// OnlyBackground accepts only class 0 patches
	OnlyBackground

	// OnlyForeground accepts only class 1 patches
	OnlyForeground
)

// Accepts reports whether a patch of class c passes the filter.
func (f ClassFilter) Accepts(c Class) bool {
	switch f {
	case AnyClass:
		return c == ClassBackground || c == ClassForeground
	case OnlyBackground:
		return c == ClassBackground
	case OnlyForeground:
		return c == ClassForeground
	default:
		return false
	}
}

func (f ClassFilter) String() string {
	switch f {
	case OnlyBackground:
		return "background"
	case OnlyForeground:
		return "foreground"
	default:
		return "any"
	}
}

// ParseClassFilter parses "any", "0"/"background" or "1"/"foreground".
func ParseClassFilter(s string) (ClassFilter, error) {
	switch s {
	case "", "any":
		return AnyClass, nil
	case "0", "background":
		return OnlyBackground, nil
	case "1", "foreground":
		return OnlyForeground, nil
	default:
		return AnyClass, fmt.Errorf("unknown class filter %q", s)
	}
}

// PatchRecord describes one accepted patch so that it can be read again
// from its parent slide
type PatchRecord struct {
	// W and H are the level-0 coordinates of the patch's top-left corner
	W int
	H int

	// Parent identifies the slide the patch was read from
	Parent string

	// Level is the pyramid level the patch was read at
	Level int

	// Size is the patch edge length in pixels at Level
	Size int

	// Class is the annotation class, ClassNone when unclassed
	Class Class
}

// Patch is a patch's pixels together with its record
type Patch struct {
	Image  *image.RGBA
	Record PatchRecord
}

// PatchTable is an ordered collection of patch records. Row order is draw
// order and carries no meaning.
type PatchTable struct {
	Rows []PatchRecord
}

// PatchTableColumns are the fixed column names of a persisted patch table.
var PatchTableColumns = []string{"w", "h", "class", "parent", "level", "size"}

// Len returns the number of rows.
func (t *PatchTable) Len() int {
	return len(t.Rows)
}

// Append adds a record at the end of the table.
func (t *PatchTable) Append(r PatchRecord) {
	t.Rows = append(t.Rows, r)
}

// ClassCounts returns the number of rows per class.
func (t *PatchTable) ClassCounts() map[Class]int {
	counts := make(map[Class]int)
	for _, r := range t.Rows {
		counts[r.Class]++
	}
	return counts
}
