// Package divvy projects a chosen reference chain onto a path's edges,
// producing the reference sections each edge corresponds to.
package divvy

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/vicinity"
)

// ErrBacktracking is returned when the snapped edge boundaries do not advance
// monotonically along the chain. The whole direction is discarded.
var ErrBacktracking = errors.New("edge boundaries backtrack along chain")

// backtrackTolerance absorbs floating-point noise when comparing snapped
// boundary positions.
const backtrackTolerance = 1e-9

// Overlap is the correspondence between part of one edge and part of one
// reference along the chain.
type Overlap struct {
	EdgeIdx         int
	BaseReferenceID string
	// EdgeStart and EdgeEnd are chain distances bounding the shared span.
	EdgeStart float64
	EdgeEnd   float64
	// RefStart and RefEnd are the shared span in the reference's own
	// section units.
	RefStart float64
	RefEnd   float64
}

// Input is one direction's chain and the path it should be divided over.
type Input struct {
	TargetMapID string
	PathID      int64
	// Chain is in traversal order for the direction.
	Chain []*roadnet.BaseReference
	// Edges are the path's edges in path order, never reversed by the
	// caller.
	Edges   []*roadnet.TargetMapEdge
	Forward bool
}

// Result is the outcome for one direction.
type Result struct {
	Overlaps []Overlap
	Matches  []roadnet.ChosenMatch
	// Deviations holds the snap distance of every edge boundary, in the
	// order the boundaries were walked.
	Deviations   []float64
	MaxDeviation float64
}

// Divvy divides the chain over the edges. For a backward input the edges
// are reversed in order and geometry before walking, and results are mapped
// back to the original path-edge index with IsForward false.
func Divvy(in Input) (*Result, error) {
	if len(in.Chain) == 0 || len(in.Edges) == 0 {
		return &Result{}, nil
	}

	for _, e := range in.Edges {
		if len(e.Coords) == 0 {
			return nil, fmt.Errorf("edge %d: %w", e.ID, geom.ErrDegenerate)
		}
	}
	edges := in.Edges
	if !in.Forward {
		edges = reverseEdges(in.Edges)
	}

	merged, offsets, ends := mergeChain(in.Chain)
	boundaries := make([]orb.Point, 0, len(edges)+1)
	boundaries = append(boundaries, edges[0].Coords[0])
	for _, e := range edges {
		boundaries = append(boundaries, e.Coords[len(e.Coords)-1])
	}

	res := &Result{Deviations: make([]float64, len(boundaries))}
	along := make([]float64, len(boundaries))
	for k, b := range boundaries {
		loc, err := geom.Locate(merged, b)
		if err != nil {
			return nil, err
		}
		along[k] = loc.Along
		res.Deviations[k] = loc.Distance
		res.MaxDeviation = math.Max(res.MaxDeviation, loc.Distance)
		if k > 0 && along[k] < along[k-1]-backtrackTolerance {
			return nil, fmt.Errorf("boundary %d at %.4f km precedes boundary %d at %.4f km: %w",
				k, along[k], k-1, along[k-1], ErrBacktracking)
		}
		if k > 0 && along[k] < along[k-1] {
			along[k] = along[k-1]
		}
	}

	scales := make([]float64, len(in.Chain))
	for i, r := range in.Chain {
		scales[i] = vicinity.GeometryScale(r)
	}

	p := 0
	for k := range edges {
		start, end := along[k], along[k+1]
		for p < len(in.Chain) && ends[p] <= start {
			p++
		}
		for p < len(in.Chain) && offsets[p] < end {
			lo, hi := math.Max(start, offsets[p]), math.Min(end, ends[p])
			if hi > lo {
				r := in.Chain[p]
				res.Overlaps = append(res.Overlaps, Overlap{
					EdgeIdx:         k,
					BaseReferenceID: r.ID,
					EdgeStart:       lo,
					EdgeEnd:         hi,
					RefStart:        clamp((lo-offsets[p])/scales[p], r.LengthKm),
					RefEnd:          clamp((hi-offsets[p])/scales[p], r.LengthKm),
				})
			}
			p++
		}
		// The next edge may begin on the reference this one ended on.
		if p > 0 {
			p--
		}
	}

	res.Matches = toChosen(in, edges, res.Overlaps)
	if !in.Forward {
		n := len(edges)
		for i := range res.Overlaps {
			res.Overlaps[i].EdgeIdx = n - 1 - res.Overlaps[i].EdgeIdx
		}
	}
	return res, nil
}

// mergeChain joins the chain into one line and returns each reference's
// start and end distance along it.
func mergeChain(chain []*roadnet.BaseReference) (orb.LineString, []float64, []float64) {
	offsets := make([]float64, len(chain))
	ends := make([]float64, len(chain))
	var merged orb.LineString
	for i, r := range chain {
		before := geom.Length(merged)
		merged = geom.Merge(merged, r.Coords)
		ends[i] = geom.Length(merged)
		offsets[i] = math.Max(before, ends[i]-geom.Length(r.Coords))
	}
	return merged, offsets, ends
}

// toChosen converts overlaps to chosen matches, keeping the widest interval
// per (edge, reference) in first-seen order.
func toChosen(in Input, edges []*roadnet.TargetMapEdge, overlaps []Overlap) []roadnet.ChosenMatch {
	type key struct {
		edge int
		ref  string
	}
	idx := make(map[key]int)
	var out []roadnet.ChosenMatch
	n := len(edges)
	for _, o := range overlaps {
		k := key{o.EdgeIdx, o.BaseReferenceID}
		if i, ok := idx[k]; ok {
			out[i].SectionStart = math.Min(out[i].SectionStart, o.RefStart)
			out[i].SectionEnd = math.Max(out[i].SectionEnd, o.RefEnd)
			continue
		}
		pathIdx := o.EdgeIdx
		if !in.Forward {
			pathIdx = n - 1 - o.EdgeIdx
		}
		idx[k] = len(out)
		out = append(out, roadnet.ChosenMatch{
			TargetMapID:     in.TargetMapID,
			TargetMapPathID: in.PathID,
			PathEdgeIdx:     pathIdx,
			EdgeID:          edges[o.EdgeIdx].ID,
			IsForward:       in.Forward,
			BaseReferenceID: o.BaseReferenceID,
			SectionStart:    o.RefStart,
			SectionEnd:      o.RefEnd,
		})
	}
	return out
}

func reverseEdges(edges []*roadnet.TargetMapEdge) []*roadnet.TargetMapEdge {
	out := make([]*roadnet.TargetMapEdge, len(edges))
	for i, e := range edges {
		out[len(edges)-1-i] = e.WithCoords(geom.Reversed(e.Coords))
	}
	return out
}

func clamp(v, max float64) float64 {
	return math.Max(0, math.Min(v, max))
}
