//go:build !gocv
// +build !gocv

package tissue

func newOpenCVSegmenter(radius int) (Segmenter, error) {
	return nil, ErrOpenCVUnavailable
}
