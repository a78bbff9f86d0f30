package chain

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/roadnet"
)

// scoreEpsilon keeps a perfect shape or a zero snap distance from zeroing
// out the other factors of the score.
const scoreEpsilon = 1e-3

// shapeSamples is the number of points compared by the shape measure.
const shapeSamples = 11

// Score rates how well chain follows pathLine; lower is better. The path's
// ends are snapped onto the merged chain and the chain is sliced between
// them. The first and last window kilometres of slice and path are compared
// by normalised discrete Fréchet distance, each weighted by its snap
// distance; the sum is scaled by the relative length difference. A chain
// whose snapped end lies before its snapped start scores +Inf.
func Score(chain []*roadnet.BaseReference, pathLine orb.LineString, window float64) float64 {
	if len(chain) == 0 || len(pathLine) < 2 {
		return math.Inf(1)
	}
	lines := make([]orb.LineString, len(chain))
	for i, r := range chain {
		lines[i] = r.Coords
	}
	merged := geom.Merge(lines...)

	start, err := geom.Locate(merged, pathLine[0])
	if err != nil {
		return math.Inf(1)
	}
	end, err := geom.Locate(merged, pathLine[len(pathLine)-1])
	if err != nil || end.Along < start.Along {
		return math.Inf(1)
	}
	slice := geom.Substring(merged, start.Along, end.Along)

	sliceLen := geom.Length(slice)
	pathLen := geom.Length(pathLine)
	headSlice := geom.Substring(slice, 0, math.Min(window, sliceLen))
	headPath := geom.Substring(pathLine, 0, math.Min(window, pathLen))
	tailSlice := geom.Substring(slice, math.Max(0, sliceLen-window), sliceLen)
	tailPath := geom.Substring(pathLine, math.Max(0, pathLen-window), pathLen)

	head := geom.ShapeDissimilarity(headSlice, headPath, shapeSamples)
	tail := geom.ShapeDissimilarity(tailSlice, tailPath, shapeSamples)
	lenDiff := math.Abs(sliceLen-pathLen) / math.Max(pathLen, scoreEpsilon)

	return ((head+scoreEpsilon)*(start.Distance+scoreEpsilon) +
		(tail+scoreEpsilon)*(end.Distance+scoreEpsilon)) *
		(lenDiff + scoreEpsilon)
}
