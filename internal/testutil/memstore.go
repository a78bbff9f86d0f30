package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/paulmach/orb"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/roadnet"
)

// MemStore is an in-memory store for stage tests. It satisfies the vicinity
// store and the read side of the pipeline store.
type MemStore struct {
	mu         sync.Mutex
	targetMaps map[string]*roadnet.TargetMap
	refs       map[string]*roadnet.BaseReference
	edges      map[string]map[int64]*roadnet.TargetMapEdge
	paths      map[string]map[int64]*roadnet.TargetMapPath
	matches    map[string][]*roadnet.RawMatch
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		targetMaps: make(map[string]*roadnet.TargetMap),
		refs:       make(map[string]*roadnet.BaseReference),
		edges:      make(map[string]map[int64]*roadnet.TargetMapEdge),
		paths:      make(map[string]map[int64]*roadnet.TargetMapPath),
		matches:    make(map[string][]*roadnet.RawMatch),
	}
}

// AddTargetMap registers a target map.
func (s *MemStore) AddTargetMap(tm *roadnet.TargetMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetMaps[tm.ID] = tm
	if s.edges[tm.ID] == nil {
		s.edges[tm.ID] = make(map[int64]*roadnet.TargetMapEdge)
		s.paths[tm.ID] = make(map[int64]*roadnet.TargetMapPath)
	}
}

// AddReferences adds base references.
func (s *MemStore) AddReferences(refs ...*roadnet.BaseReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range refs {
		s.refs[r.ID] = r
	}
}

// AddEdges adds edges to a registered target map.
func (s *MemStore) AddEdges(targetMap string, edges ...*roadnet.TargetMapEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		s.edges[targetMap][e.ID] = e
	}
}

// AddPath adds a path to a registered target map.
func (s *MemStore) AddPath(p *roadnet.TargetMapPath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[p.TargetMap][p.ID] = p
}

// AddRawMatches appends raw matches for a target map.
func (s *MemStore) AddRawMatches(targetMap string, ms ...*roadnet.RawMatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[targetMap] = append(s.matches[targetMap], ms...)
}

func (s *MemStore) GetTargetMap(_ context.Context, id string) (*roadnet.TargetMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetMaps[id], nil
}

func (s *MemStore) GetTargetMapPath(_ context.Context, targetMap string, pathID int64) (*roadnet.TargetMapPath, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[targetMap][pathID], nil
}

func (s *MemStore) GetTargetMapPathIDs(_ context.Context, targetMap string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id := range s.paths[targetMap] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) GetTargetMapEdges(_ context.Context, targetMap string, ids []int64) ([]*roadnet.TargetMapEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*roadnet.TargetMapEdge
	for _, id := range ids {
		if e := s.edges[targetMap][id]; e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemStore) GetRawMatchesForEdges(_ context.Context, targetMap string, edgeIDs []int64) ([]*roadnet.RawMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]struct{}, len(edgeIDs))
	for _, id := range edgeIDs {
		want[id] = struct{}{}
	}
	var out []*roadnet.RawMatch
	for _, m := range s.matches[targetMap] {
		if _, ok := want[m.TargetMapEdgeID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemStore) GetBaseReferences(_ context.Context, ids []string) ([]*roadnet.BaseReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*roadnet.BaseReference
	for _, id := range ids {
		if r := s.refs[id]; r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemStore) GetBaseReferencesInPolygon(_ context.Context, poly orb.Polygon) ([]*roadnet.BaseReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*roadnet.BaseReference
	for _, r := range s.refs {
		if geom.PolygonIntersectsLine(poly, r.Coords) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) GetVicinityEdgesAndMatches(_ context.Context, targetMap string, poly orb.Polygon, exclude []int64) ([]*roadnet.TargetMapEdge, []*roadnet.RawMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var edges []*roadnet.TargetMapEdge
	ids := make(map[int64]struct{})
	for id, e := range s.edges[targetMap] {
		if _, ok := skip[id]; ok {
			continue
		}
		if geom.PolygonIntersectsLine(poly, e.Coords) {
			edges = append(edges, e)
			ids[id] = struct{}{}
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	var matches []*roadnet.RawMatch
	for _, m := range s.matches[targetMap] {
		if _, ok := ids[m.TargetMapEdgeID]; ok {
			matches = append(matches, m)
		}
	}
	return edges, matches, nil
}
