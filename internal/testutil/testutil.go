// Package testutil provides shared test helpers and road-network fixtures.
//
// Fixture geometry is written in planar kilometres around Origin and
// converted to lon/lat, so tests can reason in distances while the code under
// test sees stored-style coordinates.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/roadnet"
)

// Origin is the lon/lat point that planar fixture coordinates are relative to.
var Origin = orb.Point{-122.27, 37.80}

var originProjection = geom.NewProjection(Origin)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// KmLine converts planar kilometre points around Origin into a lon/lat line.
func KmLine(pts ...orb.Point) orb.LineString {
	out := make(orb.LineString, len(pts))
	for i, p := range pts {
		out[i] = originProjection.Inverse(p)
	}
	return out
}

// KmLength returns the planar length of a lon/lat line produced by KmLine.
func KmLength(ls orb.LineString) float64 {
	return geom.Length(originProjection.Line(ls))
}

// Ref builds a vehicle reference whose geometry is the given planar points.
func Ref(id, geometryID, from, to string, pts ...orb.Point) *roadnet.BaseReference {
	ls := KmLine(pts...)
	return &roadnet.BaseReference{
		ID:                 id,
		GeometryID:         geometryID,
		FromIntersectionID: from,
		ToIntersectionID:   to,
		LengthKm:           KmLength(ls),
		RoadClass:          roadnet.RoadClassResidential,
		Coords:             ls,
	}
}

// TwoWay builds the forward reference id+"f" and backward reference id+"b"
// of one geometry.
func TwoWay(id, from, to string, pts ...orb.Point) []*roadnet.BaseReference {
	fwd := Ref(id+"f", id, from, to, pts...)
	rev := make([]orb.Point, len(pts))
	for i, p := range pts {
		rev[len(pts)-1-i] = p
	}
	back := Ref(id+"b", id, to, from, rev...)
	return []*roadnet.BaseReference{fwd, back}
}

// Edge builds a target-map edge from planar points.
func Edge(id int64, pts ...orb.Point) *roadnet.TargetMapEdge {
	ls := KmLine(pts...)
	return &roadnet.TargetMapEdge{ID: id, Coords: ls, LengthKm: KmLength(ls)}
}
