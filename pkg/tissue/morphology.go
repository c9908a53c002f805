package tissue

import "math"

// span is one row of a disk structuring element: all offsets (dx, dy) with
// |dx| <= half.
type span struct {
	dy   int
	half int
}

// disk returns the rows of a disk of the given radius, i.e. the offsets with
// dx*dx + dy*dy <= radius*radius.
func disk(radius int) []span {
	if radius < 0 {
		radius = 0
	}
	spans := make([]span, 0, 2*radius+1)
	for dy := -radius; dy <= radius; dy++ {
		half := int(math.Floor(math.Sqrt(float64(radius*radius - dy*dy))))
		spans = append(spans, span{dy: dy, half: half})
	}
	return spans
}

// rowCounts holds per-row prefix counts of set pixels so that any horizontal
// run can be counted in constant time.
type rowCounts struct {
	w      int
	prefix []int32
}

func newRowCounts(src []bool, w, h int) *rowCounts {
	rc := &rowCounts{w: w, prefix: make([]int32, (w+1)*h)}
	for y := 0; y < h; y++ {
		p := rc.prefix[y*(w+1) : (y+1)*(w+1)]
		line := src[y*w : (y+1)*w]
		for x, v := range line {
			p[x+1] = p[x]
			if v {
				p[x+1]++
			}
		}
	}
	return rc
}

// count returns the number of set pixels in row y, columns [x0, x1).
func (rc *rowCounts) count(y, x0, x1 int) int32 {
	p := rc.prefix[y*(rc.w+1):]
	return p[x1] - p[x0]
}

// dilate sets a pixel when any in-image pixel under the element is set.
// Pixels outside the image are ignored.
func dilate(src []bool, w, h int, se []span) []bool {
	rc := newRowCounts(src, w, h)
	out := make([]bool, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for _, s := range se {
				yy := y + s.dy
				if yy < 0 || yy >= h {
					continue
				}
				x0, x1 := max(x-s.half, 0), min(x+s.half+1, w)
				if rc.count(yy, x0, x1) > 0 {
					out[y*w+x] = true
					break
				}
			}
		}
	}
	return out
}

// erode keeps a pixel only when every in-image pixel under the element is set.
// Pixels outside the image are ignored, so borders do not erode.
func erode(src []bool, w, h int, se []span) []bool {
	rc := newRowCounts(src, w, h)
	out := make([]bool, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			keep := true
			for _, s := range se {
				yy := y + s.dy
				if yy < 0 || yy >= h {
					continue
				}
				x0, x1 := max(x-s.half, 0), min(x+s.half+1, w)
				if rc.count(yy, x0, x1) != int32(x1-x0) {
					keep = false
					break
				}
			}
			out[y*w+x] = keep
		}
	}
	return out
}

// closing fills holes smaller than the element.
func closing(src []bool, w, h int, se []span) []bool {
	return erode(dilate(src, w, h, se), w, h, se)
}

// opening removes specks smaller than the element.
func opening(src []bool, w, h int, se []span) []bool {
	return dilate(erode(src, w, h, se), w, h, se)
}
