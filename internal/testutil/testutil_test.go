package testutil

import (
	"context"
	"net/http"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conflation/internal/roadnet"
)

func TestAssertStatusCode(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
}

func TestNewTestRequest(t *testing.T) {
	req := NewTestRequest(http.MethodGet, "/api/assigned")
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/api/assigned", req.URL.Path)
}

func TestKmLineLength(t *testing.T) {
	ls := KmLine(orb.Point{0, 0}, orb.Point{1, 0}, orb.Point{1, 2})
	assert.Equal(t, Origin, ls[0])
	assert.InDelta(t, 3.0, KmLength(ls), 1e-9)
}

func TestTwoWay(t *testing.T) {
	refs := TwoWay("r1", "A", "B", orb.Point{0, 0}, orb.Point{1, 0})
	require.Len(t, refs, 2)
	assert.Equal(t, "A", refs[0].FromIntersectionID)
	assert.Equal(t, "B", refs[1].FromIntersectionID)
	assert.Equal(t, refs[0].Coords[0], refs[1].Coords[1])
	assert.Equal(t, "r1", refs[1].GeometryID)
}

func TestMemStorePolygonQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	s.AddTargetMap(&roadnet.TargetMap{ID: "tm"})
	s.AddReferences(Ref("near", "g1", "A", "B", orb.Point{0, 0}, orb.Point{1, 0}))
	s.AddReferences(Ref("far", "g2", "C", "D", orb.Point{0, 5}, orb.Point{1, 5}))
	s.AddEdges("tm", Edge(1, orb.Point{0, 0}, orb.Point{1, 0}), Edge(2, orb.Point{0, 0.01}, orb.Point{1, 0.01}))
	s.AddRawMatches("tm", &roadnet.RawMatch{TargetMapEdgeID: 2, BaseReferenceID: "near", SectionEnd: 1})

	area := orb.Polygon{orb.Ring(KmLine(orb.Point{-0.1, -0.1}, orb.Point{1.1, -0.1}, orb.Point{1.1, 0.1}, orb.Point{-0.1, 0.1}, orb.Point{-0.1, -0.1}))}

	refs, err := s.GetBaseReferencesInPolygon(ctx, area)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "near", refs[0].ID)

	edges, matches, err := s.GetVicinityEdgesAndMatches(ctx, "tm", area, []int64{1})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, int64(2), edges[0].ID)
	assert.Len(t, matches, 1)
}
