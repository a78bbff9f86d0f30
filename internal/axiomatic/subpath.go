package axiomatic

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/monitoring"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/vicinity"
)

// ReferenceLookup resolves a reference id to its planar reference.
type ReferenceLookup func(id string) *roadnet.BaseReference

// SubPath is a connected group of one edge's raw matches.
type SubPath struct {
	Matches []*roadnet.RawMatch
	// Forward holds, per match, whether the reference section runs in the
	// edge's direction.
	Forward  []bool
	LengthKm float64
	// Ratio is LengthKm over the edge length.
	Ratio float64
	// Start and End are the sub-path points nearest the edge's ends.
	Start orb.Point
	End   orb.Point
}

// Deviation returns how far the length ratio is from a perfect fit.
func (s *SubPath) Deviation() float64 {
	return math.Abs(s.Ratio - 1)
}

// subPaths groups an edge's raw matches into connected components. Two
// matches connect when their references share an intersection or a
// physical geometry.
func subPaths(edge *roadnet.TargetMapEdge, matches []*roadnet.RawMatch, lookup ReferenceLookup) []*SubPath {
	var ms []*roadnet.RawMatch
	var refs []*roadnet.BaseReference
	for _, m := range matches {
		r := lookup(m.BaseReferenceID)
		if r == nil {
			monitoring.Logf("[Axiomatic] edge %d: reference %s not in vicinity, raw match ignored", edge.ID, m.BaseReferenceID)
			continue
		}
		ms = append(ms, m)
		refs = append(refs, r)
	}
	if len(ms) == 0 {
		return nil
	}

	g := simple.NewUndirectedGraph()
	for i := range ms {
		g.AddNode(simple.Node(int64(i)))
	}
	for i := range ms {
		for j := i + 1; j < len(ms); j++ {
			if connected(refs[i], refs[j]) {
				g.SetEdge(g.NewEdge(simple.Node(int64(i)), simple.Node(int64(j))))
			}
		}
	}

	edgeLen := edgeLength(edge)
	var out []*SubPath
	for _, cc := range topo.ConnectedComponents(g) {
		idx := make([]int, len(cc))
		for i, n := range cc {
			idx[i] = int(n.ID())
		}
		sort.Ints(idx)

		sp := &SubPath{}
		var lines []orb.LineString
		for _, i := range idx {
			m, r := ms[i], refs[i]
			sp.Matches = append(sp.Matches, m)
			sp.LengthKm += m.Length()
			line := vicinity.SectionLine(r, m.SectionStart, m.SectionEnd)
			lines = append(lines, line)
			sp.Forward = append(sp.Forward, runsForward(edge.Coords, line))
		}
		if edgeLen > 0 {
			sp.Ratio = sp.LengthKm / edgeLen
		}
		sp.Start = nearestOn(lines, edge.Coords[0])
		sp.End = nearestOn(lines, edge.Coords[len(edge.Coords)-1])
		out = append(out, sp)
	}
	// Deterministic order: best fit first, then by first reference id.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Deviation() != out[j].Deviation() {
			return out[i].Deviation() < out[j].Deviation()
		}
		return out[i].Matches[0].BaseReferenceID < out[j].Matches[0].BaseReferenceID
	})
	return out
}

func connected(a, b *roadnet.BaseReference) bool {
	if a.GeometryID != "" && a.GeometryID == b.GeometryID {
		return true
	}
	return a.FromIntersectionID == b.FromIntersectionID ||
		a.FromIntersectionID == b.ToIntersectionID ||
		a.ToIntersectionID == b.FromIntersectionID ||
		a.ToIntersectionID == b.ToIntersectionID
}

func edgeLength(e *roadnet.TargetMapEdge) float64 {
	if e.LengthKm > 0 {
		return e.LengthKm
	}
	return geom.Length(e.Coords)
}

// runsForward reports whether line advances along edge.
func runsForward(edge, line orb.LineString) bool {
	if len(line) < 2 {
		return true
	}
	a, errA := geom.Locate(edge, line[0])
	b, errB := geom.Locate(edge, line[len(line)-1])
	if errA != nil || errB != nil {
		return true
	}
	return a.Along <= b.Along
}

// nearestOn returns the point of lines closest to p.
func nearestOn(lines []orb.LineString, p orb.Point) orb.Point {
	best := math.Inf(1)
	var out orb.Point
	for _, ls := range lines {
		loc, err := geom.Locate(ls, p)
		if err != nil {
			continue
		}
		if loc.Distance < best {
			best = loc.Distance
			out = loc.Point
		}
	}
	return out
}
