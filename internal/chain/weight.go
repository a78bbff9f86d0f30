package chain

import (
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/roadnet"
)

const (
	// SuggestedFactor scales the length of references a raw match points at.
	SuggestedFactor = 0.5
	// PenaltyFactor scales the length of references nowhere near the path.
	PenaltyFactor = 2.0
	// WeightSamples is the number of points sampled along a reference.
	WeightSamples = 11
)

// ReferenceWeight is the traversal cost of r for a path whose merged planar
// geometry is pathLine.
//
// Suggested references cost half their length. Otherwise the path is
// clipped to clipRadius around r and the mean distance from WeightSamples
// points along r to the clip, each capped at distanceCap, maps onto a
// multiplier in [1, 2]. With no clip the multiplier is PenaltyFactor.
func ReferenceWeight(r *roadnet.BaseReference, suggested bool, pathLine orb.LineString, clipRadius, distanceCap float64) float64 {
	if suggested {
		return r.LengthKm * SuggestedFactor
	}
	clip := geom.ClipNear(pathLine, r.Coords, clipRadius)
	if len(clip) == 0 {
		return r.LengthKm * PenaltyFactor
	}

	samples := geom.Resample(r.Coords, WeightSamples)
	if len(samples) == 0 {
		return r.LengthKm * PenaltyFactor
	}
	dists := make([]float64, len(samples))
	for i, p := range samples {
		dists[i] = math.Min(geom.DistanceToLines(p, clip), distanceCap)
	}
	return r.LengthKm * (stat.Mean(dists, nil)/distanceCap + 1)
}

// weightCache memoises ReferenceWeight for one vicinity. Weights do not
// depend on direction because distances are symmetric.
type weightCache struct {
	fn      func(*roadnet.BaseReference) float64
	weights map[string]float64
	hits    int
}

func newWeightCache(fn func(*roadnet.BaseReference) float64) *weightCache {
	return &weightCache{fn: fn, weights: make(map[string]float64)}
}

func (c *weightCache) weight(r *roadnet.BaseReference) float64 {
	if w, ok := c.weights[r.ID]; ok {
		c.hits++
		return w
	}
	w := c.fn(r)
	c.weights[r.ID] = w
	return w
}
