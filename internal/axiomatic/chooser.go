// Package axiomatic chooses matches for a path directly from its raw
// matches, without a reference chain. Edges whose best raw-match group fits
// tightly are accepted first ("axiomatic"); thresholds are then loosened
// step by step so that confidence propagates outwards from them.
package axiomatic

import (
	"math"

	"github.com/paulmach/orb/planar"

	"github.com/banshee-data/conflation/internal/roadnet"
)

// Thresholds bounds the relaxation loop. Each step divides the minimum edge
// length and multiplies the ratio deviation and gap by sqrt(2), stopping at
// the floor or ceiling.
type Thresholds struct {
	MinLengthKm           float64
	MinLengthFloorKm      float64
	RatioDeviation        float64
	RatioDeviationCeiling float64
	GapKm                 float64
	GapCeilingKm          float64
}

// DefaultThresholds returns the standard relaxation schedule.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinLengthKm:           0.1,
		MinLengthFloorKm:      0.005,
		RatioDeviation:        0.005,
		RatioDeviationCeiling: 0.25,
		GapKm:                 0.0005,
		GapCeilingKm:          0.05,
	}
}

// atBounds reports whether every threshold has reached its loosest value.
func (t Thresholds) atBounds(bounds Thresholds) bool {
	return t.MinLengthKm <= bounds.MinLengthFloorKm &&
		t.RatioDeviation >= bounds.RatioDeviationCeiling &&
		t.GapKm >= bounds.GapCeilingKm
}

func (t Thresholds) loosen(bounds Thresholds) Thresholds {
	t.MinLengthKm = math.Max(t.MinLengthKm/math.Sqrt2, bounds.MinLengthFloorKm)
	t.RatioDeviation = math.Min(t.RatioDeviation*math.Sqrt2, bounds.RatioDeviationCeiling)
	t.GapKm = math.Min(t.GapKm*math.Sqrt2, bounds.GapCeilingKm)
	return t
}

// EdgeMatches pairs a path edge (planar) with its raw matches.
type EdgeMatches struct {
	Edge    *roadnet.TargetMapEdge
	Matches []*roadnet.RawMatch
}

// Choice is the sub-path chosen for one edge.
type Choice struct {
	EdgeIdx   int
	Edge      *roadnet.TargetMapEdge
	SubPath   *SubPath
	Axiomatic bool
	// Step is the loosening step at which the choice was made; fallback
	// choices carry the final step.
	Step int
}

// Result is the outcome for one path. Choices is indexed by path position
// and holds nil for edges left without a match.
type Result struct {
	Choices        []*Choice
	TotalMatchedKm float64
	LengthRatios   []float64
	Iterations     int
	Steps          int
}

// Choose runs the relaxation loop over a path's edges in path order.
func Choose(edges []EdgeMatches, lookup ReferenceLookup, bounds Thresholds) *Result {
	n := len(edges)
	groups := make([][]*SubPath, n)
	for i, em := range edges {
		groups[i] = subPaths(em.Edge, em.Matches, lookup)
	}

	res := &Result{Choices: make([]*Choice, n), LengthRatios: make([]float64, n)}
	th := bounds
	for {
		res.Iterations++
		changed := false
		for i := range edges {
			if res.Choices[i] != nil {
				continue
			}
			if sp := qualify(i, edges[i].Edge, groups[i], res.Choices, th); sp != nil {
				res.Choices[i] = &Choice{EdgeIdx: i, Edge: edges[i].Edge, SubPath: sp, Axiomatic: true, Step: res.Steps}
				changed = true
			}
		}
		if changed {
			continue
		}
		if th.atBounds(bounds) || allChosen(res.Choices) {
			break
		}
		th = th.loosen(bounds)
		res.Steps++
	}

	for i := range edges {
		if res.Choices[i] != nil || len(groups[i]) == 0 {
			continue
		}
		// Groups are sorted best fit first.
		res.Choices[i] = &Choice{EdgeIdx: i, Edge: edges[i].Edge, SubPath: groups[i][0], Step: res.Steps}
	}

	for i, c := range res.Choices {
		if c == nil {
			continue
		}
		res.TotalMatchedKm += c.SubPath.LengthKm
		res.LengthRatios[i] = c.SubPath.Ratio
	}
	return res
}

func allChosen(choices []*Choice) bool {
	for _, c := range choices {
		if c == nil {
			return false
		}
	}
	return true
}

// qualify returns the single sub-path of edge i that fits the current
// thresholds, or nil. The fit must be unambiguous and must meet every
// already-chosen neighbour within the gap threshold.
func qualify(i int, edge *roadnet.TargetMapEdge, groups []*SubPath, chosen []*Choice, th Thresholds) *SubPath {
	if edgeLength(edge) < th.MinLengthKm {
		return nil
	}
	var fit *SubPath
	for _, sp := range groups {
		if sp.Deviation() > th.RatioDeviation {
			continue
		}
		if fit != nil {
			return nil
		}
		fit = sp
	}
	if fit == nil {
		return nil
	}
	if i > 0 && chosen[i-1] != nil && planar.Distance(chosen[i-1].SubPath.End, fit.Start) > th.GapKm {
		return nil
	}
	if i+1 < len(chosen) && chosen[i+1] != nil && planar.Distance(fit.End, chosen[i+1].SubPath.Start) > th.GapKm {
		return nil
	}
	return fit
}

// ChosenMatches flattens the choices into chosen matches for one path.
func (r *Result) ChosenMatches(targetMap string, pathID int64) []roadnet.ChosenMatch {
	var out []roadnet.ChosenMatch
	for _, c := range r.Choices {
		if c == nil {
			continue
		}
		for k, m := range c.SubPath.Matches {
			out = append(out, roadnet.ChosenMatch{
				TargetMapID:     targetMap,
				TargetMapPathID: pathID,
				PathEdgeIdx:     c.EdgeIdx,
				EdgeID:          c.Edge.ID,
				IsForward:       c.SubPath.Forward[k],
				BaseReferenceID: m.BaseReferenceID,
				SectionStart:    m.SectionStart,
				SectionEnd:      m.SectionEnd,
				Axiomatic:       c.Axiomatic,
			})
		}
	}
	return out
}

// AxiomaticCount returns the number of edges chosen axiomatically.
func (r *Result) AxiomaticCount() int {
	n := 0
	for _, c := range r.Choices {
		if c != nil && c.Axiomatic {
			n++
		}
	}
	return n
}
