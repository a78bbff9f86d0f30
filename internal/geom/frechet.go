package geom

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// DiscreteFrechet returns the discrete Fréchet distance between two point
// sequences, or +Inf when either is empty.
func DiscreteFrechet(a, b []orb.Point) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	prev := make([]float64, len(b))
	cur := make([]float64, len(b))
	for i := range a {
		for j := range b {
			d := planar.Distance(a[i], b[j])
			switch {
			case i == 0 && j == 0:
				cur[j] = d
			case i == 0:
				cur[j] = math.Max(cur[j-1], d)
			case j == 0:
				cur[j] = math.Max(prev[j], d)
			default:
				cur[j] = math.Max(math.Min(math.Min(prev[j], prev[j-1]), cur[j-1]), d)
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)-1]
}

// ShapeDissimilarity compares two lines by the discrete Fréchet distance of n
// evenly resampled points each, normalised by the longer line's length. Two
// zero-length lines compare as identical.
func ShapeDissimilarity(a, b orb.LineString, n int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return math.Inf(1)
	}
	scale := math.Max(Length(a), Length(b))
	if scale == 0 {
		return 0
	}
	return DiscreteFrechet(Resample(a, n), Resample(b, n)) / scale
}
