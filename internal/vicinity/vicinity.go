// Package vicinity assembles the bounded spatial working set for one
// target-map path: the path's own edges, the base references and off-path
// edges near it, and the raw matches for both. A Vicinity is read-only once
// built; rebuilding is the only way to refresh it.
package vicinity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/monitoring"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/subnet"
)

// DefaultBufferKm is the buffer distance around the path and its raw matches.
const DefaultBufferKm = 0.05

// ErrEmptyPath is returned for a path with no edges.
var ErrEmptyPath = errors.New("target map path has no edges")

// Store is the read side of the persistence layer needed to build a
// vicinity. Polygons are lon/lat.
type Store interface {
	GetTargetMapPath(ctx context.Context, targetMap string, pathID int64) (*roadnet.TargetMapPath, error)
	GetTargetMapEdges(ctx context.Context, targetMap string, ids []int64) ([]*roadnet.TargetMapEdge, error)
	GetRawMatchesForEdges(ctx context.Context, targetMap string, edgeIDs []int64) ([]*roadnet.RawMatch, error)
	GetBaseReferences(ctx context.Context, ids []string) ([]*roadnet.BaseReference, error)
	GetBaseReferencesInPolygon(ctx context.Context, poly orb.Polygon) ([]*roadnet.BaseReference, error)
	GetVicinityEdgesAndMatches(ctx context.Context, targetMap string, poly orb.Polygon, excludeEdgeIDs []int64) ([]*roadnet.TargetMapEdge, []*roadnet.RawMatch, error)
}

// Vicinity is the working set for one path. All geometry is planar
// kilometres in Projection's frame.
type Vicinity struct {
	TargetMap  *roadnet.TargetMap
	Path       *roadnet.TargetMapPath
	Projection geom.Projection

	// Area is the buffered search area: the path's buffer plus the
	// buffers of raw-match sections reaching outside it. HullFallback is
	// set when the path outline was not simple and the convex hull was
	// buffered instead.
	Area         orb.MultiPolygon
	HullFallback bool

	// Edges holds the path's edges in path order.
	Edges []*roadnet.TargetMapEdge
	// PathLine is the path's edges merged into one line.
	PathLine orb.LineString
	// RawMatches holds the raw matches of each path edge, keyed by edge id.
	RawMatches map[int64][]*roadnet.RawMatch

	// References are the vehicle-class references in the area;
	// NonVehicle the rest.
	References []*roadnet.BaseReference
	NonVehicle []*roadnet.BaseReference

	NearbyEdges   []*roadnet.TargetMapEdge
	NearbyMatches map[int64][]*roadnet.RawMatch

	// Suggested holds, per path edge index, the reference ids its raw
	// matches point at.
	Suggested           []map[string]struct{}
	SuggestedGeometries map[string]struct{}
	suggested           map[string]struct{}

	ByFrom map[string][]*roadnet.BaseReference
	ByTo   map[string][]*roadnet.BaseReference

	refs       map[string]*roadnet.BaseReference
	subnetOnce sync.Once
	subnet     *subnet.Subnet
}

// Reference returns a vicinity reference (vehicle or not) by id.
func (v *Vicinity) Reference(id string) *roadnet.BaseReference {
	return v.refs[id]
}

// IsSuggested reports whether a raw match of this path points at r or at
// another reference of the same physical geometry.
func (v *Vicinity) IsSuggested(r *roadnet.BaseReference) bool {
	if _, ok := v.suggested[r.ID]; ok {
		return true
	}
	_, ok := v.SuggestedGeometries[r.GeometryID]
	return ok
}

// Subnet returns the subnet over the vehicle references, built on first use.
func (v *Vicinity) Subnet() *subnet.Subnet {
	v.subnetOnce.Do(func() {
		v.subnet = subnet.New(v.References)
	})
	return v.subnet
}

// Start returns the first point of the path.
func (v *Vicinity) Start() orb.Point { return v.PathLine[0] }

// End returns the last point of the path.
func (v *Vicinity) End() orb.Point { return v.PathLine[len(v.PathLine)-1] }

// EdgeIDs returns the path's edge ids in order.
func (v *Vicinity) EdgeIDs() []int64 {
	out := make([]int64, len(v.Edges))
	for i, e := range v.Edges {
		out[i] = e.ID
	}
	return out
}

// SectionLine returns the planar geometry of [start, end] along r. Sections
// are measured in r.LengthKm, which may differ slightly from the geometric
// length, so they are rescaled onto the line.
func SectionLine(r *roadnet.BaseReference, start, end float64) orb.LineString {
	return geom.Substring(r.Coords, start*GeometryScale(r), end*GeometryScale(r))
}

// GeometryScale converts a distance along r in LengthKm units to a distance
// along r.Coords.
func GeometryScale(r *roadnet.BaseReference) float64 {
	gl := geom.Length(r.Coords)
	if r.LengthKm <= 0 || gl <= 0 {
		return 1
	}
	return gl / r.LengthKm
}

// Builder builds vicinities from a Store.
type Builder struct {
	store    Store
	bufferKm float64
}

// NewBuilder returns a builder buffering by bufferKm, or DefaultBufferKm when
// bufferKm is not positive.
func NewBuilder(store Store, bufferKm float64) *Builder {
	if bufferKm <= 0 {
		bufferKm = DefaultBufferKm
	}
	return &Builder{store: store, bufferKm: bufferKm}
}

// Build assembles the vicinity of one path.
func (b *Builder) Build(ctx context.Context, tm *roadnet.TargetMap, pathID int64) (*Vicinity, error) {
	path, err := b.store.GetTargetMapPath(ctx, tm.ID, pathID)
	if err != nil {
		return nil, fmt.Errorf("failed to load path %d: %w", pathID, err)
	}
	if path == nil || len(path.EdgeIDs) == 0 {
		return nil, fmt.Errorf("path %d: %w", pathID, ErrEmptyPath)
	}

	loaded, err := b.store.GetTargetMapEdges(ctx, tm.ID, path.EdgeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges of path %d: %w", pathID, err)
	}
	edgeByID := make(map[int64]*roadnet.TargetMapEdge, len(loaded))
	for _, e := range loaded {
		edgeByID[e.ID] = e
	}
	for _, id := range path.EdgeIDs {
		e := edgeByID[id]
		if e == nil {
			return nil, fmt.Errorf("path %d: edge %d missing: %w", pathID, id, ErrEmptyPath)
		}
		if len(e.Coords) < 2 {
			return nil, fmt.Errorf("path %d: edge %d has %d coordinates: %w", pathID, id, len(e.Coords), geom.ErrDegenerate)
		}
	}

	v := &Vicinity{
		TargetMap:           tm,
		Path:                path,
		Projection:          geom.NewProjection(edgeByID[path.EdgeIDs[0]].Coords[0]),
		RawMatches:          make(map[int64][]*roadnet.RawMatch),
		NearbyMatches:       make(map[int64][]*roadnet.RawMatch),
		SuggestedGeometries: make(map[string]struct{}),
		suggested:           make(map[string]struct{}),
		ByFrom:              make(map[string][]*roadnet.BaseReference),
		ByTo:                make(map[string][]*roadnet.BaseReference),
		refs:                make(map[string]*roadnet.BaseReference),
	}

	lines := make([]orb.LineString, len(path.EdgeIDs))
	for i, id := range path.EdgeIDs {
		e := edgeByID[id]
		pe := e.WithCoords(v.Projection.Line(e.Coords))
		if pe.LengthKm <= 0 {
			pe.LengthKm = geom.Length(pe.Coords)
		}
		v.Edges = append(v.Edges, pe)
		lines[i] = pe.Coords
	}
	v.PathLine = geom.Merge(lines...)

	matches, err := b.store.GetRawMatchesForEdges(ctx, tm.ID, uniqueIDs(path.EdgeIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load raw matches of path %d: %w", pathID, err)
	}
	matched, err := b.store.GetBaseReferences(ctx, matchedRefIDs(matches))
	if err != nil {
		return nil, fmt.Errorf("failed to load matched references of path %d: %w", pathID, err)
	}
	for _, r := range matched {
		v.addReference(r)
	}

	var extra []orb.LineString
	for _, m := range matches {
		r := v.refs[m.BaseReferenceID]
		if r == nil {
			monitoring.Logf("[Vicinity] path %d: raw match on edge %d names unknown reference %s", pathID, m.TargetMapEdgeID, m.BaseReferenceID)
			continue
		}
		v.RawMatches[m.TargetMapEdgeID] = append(v.RawMatches[m.TargetMapEdgeID], m)
		if sec := SectionLine(r, m.SectionStart, m.SectionEnd); len(sec) >= 2 {
			extra = append(extra, sec)
		}
	}

	v.Area, v.HullFallback, err = geom.BufferLines(v.PathLine, extra, b.bufferKm)
	if err != nil {
		return nil, fmt.Errorf("path %d: failed to buffer: %w", pathID, err)
	}
	if v.HullFallback {
		monitoring.Logf("[Vicinity] path %d: buffer outline not simple, buffered convex hull instead", pathID)
	}
	seenEdges := make(map[int64]struct{})
	for _, poly := range v.Projection.InverseMultiPolygon(v.Area) {
		inArea, err := b.store.GetBaseReferencesInPolygon(ctx, poly)
		if err != nil {
			return nil, fmt.Errorf("failed to query references near path %d: %w", pathID, err)
		}
		for _, r := range inArea {
			v.addReference(r)
		}

		nearby, nearbyMatches, err := b.store.GetVicinityEdgesAndMatches(ctx, tm.ID, poly, path.EdgeIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to query edges near path %d: %w", pathID, err)
		}
		fresh := make(map[int64]struct{})
		for _, e := range nearby {
			if _, ok := seenEdges[e.ID]; ok {
				continue
			}
			seenEdges[e.ID] = struct{}{}
			fresh[e.ID] = struct{}{}
			v.NearbyEdges = append(v.NearbyEdges, e.WithCoords(v.Projection.Line(e.Coords)))
		}
		for _, m := range nearbyMatches {
			if _, ok := fresh[m.TargetMapEdgeID]; ok {
				v.NearbyMatches[m.TargetMapEdgeID] = append(v.NearbyMatches[m.TargetMapEdgeID], m)
			}
		}
	}
	sort.Slice(v.NearbyEdges, func(i, j int) bool { return v.NearbyEdges[i].ID < v.NearbyEdges[j].ID })

	v.index()
	return v, nil
}

func (v *Vicinity) addReference(r *roadnet.BaseReference) {
	if _, ok := v.refs[r.ID]; ok {
		return
	}
	v.refs[r.ID] = r.WithCoords(v.Projection.Line(r.Coords))
}

// index splits the references by class and precomputes the suggestion
// sets and intersection indexes.
func (v *Vicinity) index() {
	ids := make([]string, 0, len(v.refs))
	for id := range v.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := v.refs[id]
		if !r.IsVehicle() {
			v.NonVehicle = append(v.NonVehicle, r)
			continue
		}
		v.References = append(v.References, r)
		v.ByFrom[r.FromIntersectionID] = append(v.ByFrom[r.FromIntersectionID], r)
		v.ByTo[r.ToIntersectionID] = append(v.ByTo[r.ToIntersectionID], r)
	}

	v.Suggested = make([]map[string]struct{}, len(v.Edges))
	for i, e := range v.Edges {
		set := make(map[string]struct{})
		for _, m := range v.RawMatches[e.ID] {
			set[m.BaseReferenceID] = struct{}{}
			v.suggested[m.BaseReferenceID] = struct{}{}
			v.SuggestedGeometries[v.refs[m.BaseReferenceID].GeometryID] = struct{}{}
		}
		v.Suggested[i] = set
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func matchedRefIDs(matches []*roadnet.RawMatch) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range matches {
		if _, ok := seen[m.BaseReferenceID]; ok {
			continue
		}
		seen[m.BaseReferenceID] = struct{}{}
		out = append(out, m.BaseReferenceID)
	}
	sort.Strings(out)
	return out
}
