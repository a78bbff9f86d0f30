package db

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/conflation/internal/roadnet"
)

const baseNetworkGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature",
     "geometry": {"type": "LineString", "coordinates": [[-122.27, 37.80], [-122.26, 37.80]]},
     "properties": {"id": "r1f", "geometry_id": "r1", "from_intersection_id": "i1", "to_intersection_id": "i2", "road_class": "primary"}},
    {"type": "Feature",
     "geometry": {"type": "LineString", "coordinates": [[-122.26, 37.80], [-122.27, 37.80]]},
     "properties": {"id": "r1b", "geometry_id": "r1", "from_intersection_id": "i2", "to_intersection_id": "i1", "road_class": 2, "length_km": 0.88}},
    {"type": "Feature",
     "geometry": {"type": "LineString", "coordinates": [[-122.26, 37.80], [-122.26, 37.81]]},
     "properties": {"id": "p1", "from_intersection_id": "i2", "to_intersection_id": "i3", "road_class": "footway"}}
  ]
}`

const targetMapGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature",
     "geometry": {"type": "LineString", "coordinates": [[-122.265, 37.80], [-122.26, 37.80]]},
     "properties": {"id": 2, "native_id": "seg-2", "path_id": 7, "seq": 1}},
    {"type": "Feature",
     "geometry": {"type": "LineString", "coordinates": [[-122.27, 37.80], [-122.265, 37.80]]},
     "properties": {"id": 1, "unidirectional": true, "path_id": 7, "seq": 0}},
    {"type": "Feature",
     "geometry": {"type": "LineString", "coordinates": [[-122.26, 37.80], [-122.26, 37.81]]},
     "properties": {"id": 3}}
  ]
}`

func TestParseBaseNetwork(t *testing.T) {
	refs, err := ParseBaseNetwork(strings.NewReader(baseNetworkGeoJSON))
	if err != nil {
		t.Fatalf("ParseBaseNetwork failed: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("got %d references, want 3", len(refs))
	}
	if refs[0].RoadClass != roadnet.RoadClassPrimary || refs[1].RoadClass != roadnet.RoadClassPrimary {
		t.Errorf("road classes = %d, %d; want primary", refs[0].RoadClass, refs[1].RoadClass)
	}
	if refs[1].LengthKm != 0.88 {
		t.Errorf("explicit length = %v, want 0.88", refs[1].LengthKm)
	}
	if refs[2].GeometryID != "p1" || refs[2].IsVehicle() {
		t.Errorf("footway reference = %+v", refs[2])
	}
}

func TestParseBaseNetworkErrors(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"missing id":    `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]},"properties":{}}]}`,
		"point":         `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"id":"x"}}]}`,
		"unknown class": `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]},"properties":{"id":"x","road_class":"runway"}}]}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseBaseNetwork(strings.NewReader(input)); err == nil {
				t.Errorf("ParseBaseNetwork succeeded, want error")
			}
		})
	}
}

func TestLoadTargetMap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	n, err := db.LoadBaseNetwork(ctx, strings.NewReader(baseNetworkGeoJSON))
	if err != nil || n != 3 {
		t.Fatalf("LoadBaseNetwork = %d, %v; want 3", n, err)
	}

	tm := &roadnet.TargetMap{ID: "city", Name: "City bike lanes", IsCenterline: true}
	edges, paths, err := db.LoadTargetMap(ctx, tm, strings.NewReader(targetMapGeoJSON))
	if err != nil {
		t.Fatalf("LoadTargetMap failed: %v", err)
	}
	if edges != 3 || paths != 1 {
		t.Errorf("loaded %d edges and %d paths, want 3 and 1", edges, paths)
	}

	p, err := db.GetTargetMapPath(ctx, "city", 7)
	if err != nil {
		t.Fatalf("GetTargetMapPath failed: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2}, p.EdgeIDs); diff != "" {
		t.Errorf("path order mismatch (-want +got):\n%s", diff)
	}

	got, err := db.GetTargetMapEdges(ctx, "city", []int64{1, 2})
	if err != nil {
		t.Fatalf("GetTargetMapEdges failed: %v", err)
	}
	if !got[0].Unidirectional || got[0].TargetMapID != "1" || got[1].TargetMapID != "seg-2" {
		t.Errorf("edges = %+v", got)
	}
	if got[0].LengthKm <= 0 {
		t.Errorf("edge length not derived: %v", got[0].LengthKm)
	}
}
