// Package rawmatch produces the fuzzy edge-to-reference hypotheses that the
// conflation stages start from.
package rawmatch

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/monitoring"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/vicinity"
)

// DefaultToleranceKm is how far a reference may stray from an edge and still
// count as matching it.
const DefaultToleranceKm = 0.02

// minCoverage is the fraction of the shorter of edge and reference that a
// matched run must span.
const minCoverage = 0.3

// Matcher computes raw matches for the edges of a target map.
type Matcher interface {
	Match(ctx context.Context, tm *roadnet.TargetMap, edges []*roadnet.TargetMapEdge) ([]*roadnet.RawMatch, error)
}

// ReferenceSource finds base references in a lon/lat area.
type ReferenceSource interface {
	GetBaseReferencesInPolygon(ctx context.Context, poly orb.Polygon) ([]*roadnet.BaseReference, error)
}

// ProximityMatcher matches each edge to every nearby reference that runs
// alongside it within ToleranceKm. Unidirectional edges only match
// references travelling the same way.
type ProximityMatcher struct {
	Source      ReferenceSource
	ToleranceKm float64
	// Workers bounds the edges matched concurrently.
	Workers int
}

// NewProximityMatcher returns a matcher with the given tolerance; zero
// selects DefaultToleranceKm.
func NewProximityMatcher(src ReferenceSource, toleranceKm float64, workers int) *ProximityMatcher {
	if toleranceKm <= 0 {
		toleranceKm = DefaultToleranceKm
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &ProximityMatcher{Source: src, ToleranceKm: toleranceKm, Workers: workers}
}

// Match returns raw matches ordered by edge id, reference id and section
// start. Degenerate edges are logged and skipped.
func (m *ProximityMatcher) Match(ctx context.Context, tm *roadnet.TargetMap, edges []*roadnet.TargetMapEdge) ([]*roadnet.RawMatch, error) {
	results := make([][]*roadnet.RawMatch, len(edges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.Workers)
	for i, e := range edges {
		g.Go(func() error {
			ms, err := m.matchEdge(gctx, e)
			if err != nil {
				return fmt.Errorf("edge %d: %w", e.ID, err)
			}
			results[i] = ms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*roadnet.RawMatch
	for _, ms := range results {
		out = append(out, ms...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TargetMapEdgeID != b.TargetMapEdgeID {
			return a.TargetMapEdgeID < b.TargetMapEdgeID
		}
		if a.BaseReferenceID != b.BaseReferenceID {
			return a.BaseReferenceID < b.BaseReferenceID
		}
		return a.SectionStart < b.SectionStart
	})
	monitoring.Logf("[RawMatch] target map %s: %d matches over %d edges", tm.ID, len(out), len(edges))
	return out, nil
}

func (m *ProximityMatcher) matchEdge(ctx context.Context, e *roadnet.TargetMapEdge) ([]*roadnet.RawMatch, error) {
	if len(e.Coords) < 2 {
		monitoring.Logf("[RawMatch] skipping edge %d: %v", e.ID, geom.ErrDegenerate)
		return nil, nil
	}
	proj := geom.NewProjection(e.Coords[0])
	edgeLine := proj.Line(e.Coords)
	edgeLen := geom.Length(edgeLine)
	if edgeLen == 0 {
		monitoring.Logf("[RawMatch] skipping edge %d: %v", e.ID, geom.ErrDegenerate)
		return nil, nil
	}

	b := edgeLine.Bound().Pad(m.ToleranceKm)
	area := proj.InversePolygon(b.ToPolygon())
	refs, err := m.Source.GetBaseReferencesInPolygon(ctx, area)
	if err != nil {
		return nil, err
	}

	var out []*roadnet.RawMatch
	for _, r := range refs {
		if rm := m.matchReference(e, edgeLine, edgeLen, r.WithCoords(proj.Line(r.Coords))); rm != nil {
			out = append(out, rm)
		}
	}
	return out, nil
}

// matchReference returns the raw match of one planar reference against the
// planar edge line, or nil.
func (m *ProximityMatcher) matchReference(e *roadnet.TargetMapEdge, edgeLine orb.LineString, edgeLen float64, r *roadnet.BaseReference) *roadnet.RawMatch {
	refLen := geom.Length(r.Coords)
	if refLen == 0 {
		return nil
	}

	var (
		best       orb.LineString
		bestLength float64
	)
	for _, run := range geom.ClipNear(r.Coords, edgeLine, m.ToleranceKm) {
		if l := geom.Length(run); l > bestLength {
			best, bestLength = run, l
		}
	}
	if best == nil || bestLength < minCoverage*math.Min(edgeLen, refLen) {
		return nil
	}

	if e.Unidirectional && !sameDirection(edgeLine, r.Coords) {
		return nil
	}

	from, err := geom.Locate(r.Coords, best[0])
	if err != nil {
		return nil
	}
	to, err := geom.Locate(r.Coords, best[len(best)-1])
	if err != nil || to.Along <= from.Along {
		return nil
	}

	var dist float64
	for _, p := range best {
		dist += geom.DistanceToLine(p, edgeLine)
	}
	confidence := 1 - dist/float64(len(best))/m.ToleranceKm

	scale, maxEnd := vicinity.GeometryScale(r), r.LengthKm
	if maxEnd <= 0 {
		maxEnd = refLen
	}
	return &roadnet.RawMatch{
		TargetMapEdgeID: e.ID,
		BaseReferenceID: r.ID,
		SectionStart:    math.Max(0, from.Along/scale),
		SectionEnd:      math.Min(maxEnd, to.Along/scale),
		Confidence:      math.Max(0, math.Min(1, confidence)),
	}
}

// sameDirection reports whether the edge advances along the reference.
func sameDirection(edgeLine, ref orb.LineString) bool {
	start, err := geom.Locate(ref, edgeLine[0])
	if err != nil {
		return false
	}
	end, err := geom.Locate(ref, edgeLine[len(edgeLine)-1])
	if err != nil {
		return false
	}
	return end.Along > start.Along
}
