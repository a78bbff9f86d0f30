package axiomatic

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conflation/internal/roadnet"
)

type fixture struct {
	refs map[string]*roadnet.BaseReference
}

func newFixture() *fixture {
	return &fixture{refs: make(map[string]*roadnet.BaseReference)}
}

func (f *fixture) ref(id, geometry, from, to string, a, b orb.Point) {
	f.refs[id] = &roadnet.BaseReference{
		ID: id, GeometryID: geometry, FromIntersectionID: from, ToIntersectionID: to,
		LengthKm: math.Hypot(b[0]-a[0], b[1]-a[1]), Coords: orb.LineString{a, b},
	}
}

func (f *fixture) lookup(id string) *roadnet.BaseReference { return f.refs[id] }

func edge(id int64, a, b orb.Point) *roadnet.TargetMapEdge {
	return &roadnet.TargetMapEdge{ID: id, Coords: orb.LineString{a, b}, LengthKm: math.Hypot(b[0]-a[0], b[1]-a[1])}
}

func match(edgeID int64, ref string, start, end float64) *roadnet.RawMatch {
	return &roadnet.RawMatch{TargetMapEdgeID: edgeID, BaseReferenceID: ref, SectionStart: start, SectionEnd: end}
}

func TestSingleEdgeChosenOnTightestPass(t *testing.T) {
	f := newFixture()
	f.ref("r", "g", "A", "B", orb.Point{0, 0}, orb.Point{1, 0})
	e := edge(1, orb.Point{0, 0.001}, orb.Point{1, 0.001})

	res := Choose([]EdgeMatches{{Edge: e, Matches: []*roadnet.RawMatch{match(1, "r", 0, 0.997)}}}, f.lookup, DefaultThresholds())

	require.NotNil(t, res.Choices[0])
	assert.True(t, res.Choices[0].Axiomatic)
	assert.Zero(t, res.Choices[0].Step)
	assert.Zero(t, res.Steps)
	assert.InDelta(t, 0.997, res.TotalMatchedKm, 1e-12)
	assert.InDelta(t, 0.997, res.LengthRatios[0], 1e-12)

	cms := res.ChosenMatches("tm", 5)
	require.Len(t, cms, 1)
	assert.Equal(t, roadnet.ChosenMatch{
		TargetMapID: "tm", TargetMapPathID: 5, PathEdgeIdx: 0, EdgeID: 1, IsForward: true,
		BaseReferenceID: "r", SectionStart: 0, SectionEnd: 0.997, Axiomatic: true,
	}, cms[0])
}

func TestConfidencePropagatesToNeighbours(t *testing.T) {
	f := newFixture()
	f.ref("r1", "g1", "A", "B", orb.Point{0, 0}, orb.Point{1, 0})
	f.ref("r2", "g2", "B", "C", orb.Point{1, 0}, orb.Point{2, 0})
	f.ref("r3", "g3", "C", "D", orb.Point{2, 0}, orb.Point{3, 0})

	edges := []EdgeMatches{
		{Edge: edge(1, orb.Point{0, 0}, orb.Point{1, 0}), Matches: []*roadnet.RawMatch{match(1, "r1", 0.015, 1)}},
		{Edge: edge(2, orb.Point{1, 0}, orb.Point{2, 0}), Matches: []*roadnet.RawMatch{match(2, "r2", 0, 1)}},
		{Edge: edge(3, orb.Point{2, 0}, orb.Point{3, 0}), Matches: []*roadnet.RawMatch{match(3, "r3", 0, 1.015)}},
	}
	res := Choose(edges, f.lookup, DefaultThresholds())

	for i, c := range res.Choices {
		require.NotNil(t, c, "edge %d", i)
		assert.True(t, c.Axiomatic, "edge %d", i)
	}
	assert.Zero(t, res.Choices[1].Step)
	// 0.005 * sqrt(2)^4 = 0.02 is the first deviation ceiling above 0.015.
	assert.Equal(t, 4, res.Choices[0].Step)
	assert.Equal(t, 4, res.Choices[2].Step)
	assert.Equal(t, 3, res.AxiomaticCount())
}

func TestGapBlocksUntilLoosened(t *testing.T) {
	f := newFixture()
	f.ref("r1", "g1", "A", "B", orb.Point{0, 0}, orb.Point{1, 0})
	f.ref("r2", "g2", "B2", "C", orb.Point{1.01, 0}, orb.Point{2.01, 0})

	edges := []EdgeMatches{
		{Edge: edge(1, orb.Point{0, 0}, orb.Point{1, 0}), Matches: []*roadnet.RawMatch{match(1, "r1", 0, 1)}},
		{Edge: edge(2, orb.Point{1, 0}, orb.Point{2, 0}), Matches: []*roadnet.RawMatch{match(2, "r2", 0, 1)}},
	}
	res := Choose(edges, f.lookup, DefaultThresholds())

	require.NotNil(t, res.Choices[0])
	require.NotNil(t, res.Choices[1])
	assert.Zero(t, res.Choices[0].Step)
	// The 10 m gap to the chosen neighbour first passes at step 9
	// (0.0005 * sqrt(2)^9 > 0.01 > 0.0005 * sqrt(2)^8).
	assert.Equal(t, 9, res.Choices[1].Step)
	assert.True(t, res.Choices[1].Axiomatic)
}

func TestAmbiguousEdgeFallsBack(t *testing.T) {
	f := newFixture()
	f.ref("left", "g1", "A", "B", orb.Point{0, 0.01}, orb.Point{1, 0.01})
	f.ref("right", "g2", "C", "D", orb.Point{0, -0.01}, orb.Point{1, -0.01})

	edges := []EdgeMatches{{
		Edge: edge(1, orb.Point{0, 0}, orb.Point{1, 0}),
		Matches: []*roadnet.RawMatch{
			match(1, "right", 0, 0.998),
			match(1, "left", 0, 1),
		},
	}}
	res := Choose(edges, f.lookup, DefaultThresholds())

	c := res.Choices[0]
	require.NotNil(t, c)
	assert.False(t, c.Axiomatic)
	assert.Equal(t, "left", c.SubPath.Matches[0].BaseReferenceID)
	// Both groups sit inside every deviation threshold, so the loop runs to
	// its bounds: 14 steps for the gap to reach 50 m.
	assert.Equal(t, 14, res.Steps)
}

func TestSubPathGrouping(t *testing.T) {
	f := newFixture()
	f.ref("a", "g1", "A", "B", orb.Point{0, 0}, orb.Point{0.5, 0})
	f.ref("b", "g2", "B", "C", orb.Point{0.5, 0}, orb.Point{1, 0})
	f.ref("ab", "g1", "B", "A", orb.Point{0.5, 0}, orb.Point{0, 0})
	f.ref("x", "g9", "X", "Y", orb.Point{0, 1}, orb.Point{1, 1})

	e := edge(1, orb.Point{0, 0}, orb.Point{1, 0})
	groups := subPaths(e, []*roadnet.RawMatch{
		match(1, "a", 0, 0.5),
		match(1, "b", 0, 0.5),
		match(1, "ab", 0, 0.5),
		match(1, "x", 0, 1),
		match(1, "missing", 0, 1),
	}, f.lookup)

	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Matches, 1, "x fits best at ratio 1")
	assert.Len(t, groups[1].Matches, 3)
	assert.InDelta(t, 1.5, groups[1].LengthKm, 1e-12)
	assert.Equal(t, []bool{true, true, false}, groups[1].Forward)
}

func TestUnmatchedEdgeStaysNil(t *testing.T) {
	res := Choose([]EdgeMatches{{Edge: edge(1, orb.Point{0, 0}, orb.Point{1, 0})}}, newFixture().lookup, DefaultThresholds())
	assert.Nil(t, res.Choices[0])
	assert.Zero(t, res.TotalMatchedKm)
	assert.Empty(t, res.ChosenMatches("tm", 1))
	assert.Equal(t, 14, res.Steps)
}

func TestThresholdLoopTerminates(t *testing.T) {
	d := DefaultThresholds()
	th := d
	steps := 0
	for !th.atBounds(d) {
		next := th.loosen(d)
		assert.LessOrEqual(t, next.MinLengthKm, th.MinLengthKm)
		assert.GreaterOrEqual(t, next.RatioDeviation, th.RatioDeviation)
		assert.GreaterOrEqual(t, next.GapKm, th.GapKm)
		th = next
		steps++
		require.Less(t, steps, 100)
	}
	assert.Equal(t, 14, steps)
}
