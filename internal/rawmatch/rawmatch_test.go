package rawmatch

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/testutil"
)

func fixture() *testutil.MemStore {
	s := testutil.NewMemStore()
	s.AddReferences(testutil.TwoWay("a", "n1", "n2", orb.Point{0, 0}, orb.Point{1, 0})...)
	// Crosses the edges at right angles.
	s.AddReferences(testutil.Ref("x", "x", "n3", "n4", orb.Point{0.5, -0.5}, orb.Point{0.5, 0.5}))
	s.AddReferences(testutil.Ref("far", "far", "n5", "n6", orb.Point{5, 5}, orb.Point{6, 5}))
	return s
}

func TestProximityMatcherBidirectionalEdge(t *testing.T) {
	m := NewProximityMatcher(fixture(), 0, 2)
	tm := &roadnet.TargetMap{ID: "tm"}
	edge := testutil.Edge(1, orb.Point{0.2, 0.005}, orb.Point{0.8, 0.005})

	got, err := m.Match(context.Background(), tm, []*roadnet.TargetMapEdge{edge})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "ab", got[0].BaseReferenceID)
	assert.Equal(t, "af", got[1].BaseReferenceID)
	for _, rm := range got {
		assert.Equal(t, int64(1), rm.TargetMapEdgeID)
		assert.InDelta(t, 0.181, rm.SectionStart, 0.005, rm.BaseReferenceID)
		assert.InDelta(t, 0.819, rm.SectionEnd, 0.005, rm.BaseReferenceID)
		// Every matched vertex sits 5 m off a 20 m tolerance.
		assert.InDelta(t, 0.75, rm.Confidence, 0.05, rm.BaseReferenceID)
	}
}

func TestProximityMatcherUnidirectionalEdge(t *testing.T) {
	m := NewProximityMatcher(fixture(), 0.02, 1)
	tm := &roadnet.TargetMap{ID: "tm"}

	forward := testutil.Edge(1, orb.Point{0.2, 0}, orb.Point{0.8, 0})
	forward.Unidirectional = true
	backward := testutil.Edge(2, orb.Point{0.8, 0}, orb.Point{0.2, 0})
	backward.Unidirectional = true

	got, err := m.Match(context.Background(), tm, []*roadnet.TargetMapEdge{backward, forward})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].TargetMapEdgeID)
	assert.Equal(t, "af", got[0].BaseReferenceID)
	assert.Equal(t, int64(2), got[1].TargetMapEdgeID)
	assert.Equal(t, "ab", got[1].BaseReferenceID)
}

func TestProximityMatcherIgnoresCrossingAndFarReferences(t *testing.T) {
	m := NewProximityMatcher(fixture(), 0.02, 1)
	edge := testutil.Edge(1, orb.Point{0.2, 0.3}, orb.Point{0.8, 0.3})

	got, err := m.Match(context.Background(), &roadnet.TargetMap{ID: "tm"}, []*roadnet.TargetMapEdge{edge})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestProximityMatcherSkipsDegenerateEdges(t *testing.T) {
	m := NewProximityMatcher(fixture(), 0.02, 1)
	edges := []*roadnet.TargetMapEdge{
		{ID: 1, Coords: orb.LineString{testutil.Origin}},
		{ID: 2, Coords: orb.LineString{testutil.Origin, testutil.Origin}},
	}
	got, err := m.Match(context.Background(), &roadnet.TargetMap{ID: "tm"}, edges)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type failingSource struct{}

func (failingSource) GetBaseReferencesInPolygon(context.Context, orb.Polygon) ([]*roadnet.BaseReference, error) {
	return nil, errors.New("store offline")
}

func TestProximityMatcherPropagatesStoreErrors(t *testing.T) {
	m := NewProximityMatcher(failingSource{}, 0.02, 1)
	edge := testutil.Edge(7, orb.Point{0, 0}, orb.Point{1, 0})
	_, err := m.Match(context.Background(), &roadnet.TargetMap{ID: "tm"}, []*roadnet.TargetMapEdge{edge})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edge 7")
}
