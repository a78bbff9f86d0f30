package db

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/conflation/internal/roadnet"
)

// maxGeoJSONSize bounds loader input.
const maxGeoJSONSize = 512 << 20

var roadClassNames = map[string]roadnet.RoadClass{
	"motorway":     roadnet.RoadClassMotorway,
	"trunk":        roadnet.RoadClassTrunk,
	"primary":      roadnet.RoadClassPrimary,
	"secondary":    roadnet.RoadClassSecondary,
	"tertiary":     roadnet.RoadClassTertiary,
	"residential":  roadnet.RoadClassResidential,
	"unclassified": roadnet.RoadClassUnclassified,
	"service":      roadnet.RoadClassService,
	"footway":      roadnet.RoadClassNonVehicle,
	"cycleway":     roadnet.RoadClassNonVehicle,
	"path":         roadnet.RoadClassNonVehicle,
	"pedestrian":   roadnet.RoadClassNonVehicle,
}

func readFeatures(r io.Reader) (*geojson.FeatureCollection, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxGeoJSONSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read GeoJSON: %w", err)
	}
	if len(data) > maxGeoJSONSize {
		return nil, fmt.Errorf("GeoJSON input exceeds %d bytes", maxGeoJSONSize)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GeoJSON: %w", err)
	}
	return fc, nil
}

func roadClass(p geojson.Properties) (roadnet.RoadClass, error) {
	switch v := p["road_class"].(type) {
	case nil:
		return roadnet.RoadClassResidential, nil
	case float64:
		return roadnet.RoadClass(int(v)), nil
	case string:
		if c, ok := roadClassNames[strings.ToLower(v)]; ok {
			return c, nil
		}
		return 0, fmt.Errorf("unknown road_class %q", v)
	default:
		return 0, fmt.Errorf("road_class has type %T", v)
	}
}

// ParseBaseNetwork reads base references from a GeoJSON FeatureCollection of
// LineStrings. Each feature carries id, geometry_id, from_intersection_id and
// to_intersection_id properties, with optional length_km and road_class.
func ParseBaseNetwork(r io.Reader) ([]*roadnet.BaseReference, error) {
	fc, err := readFeatures(r)
	if err != nil {
		return nil, err
	}
	refs := make([]*roadnet.BaseReference, 0, len(fc.Features))
	for i, f := range fc.Features {
		ls, ok := f.Geometry.(orb.LineString)
		if !ok {
			return nil, fmt.Errorf("feature %d: expected LineString, got %T", i, f.Geometry)
		}
		id := f.Properties.MustString("id", "")
		if id == "" {
			return nil, fmt.Errorf("feature %d: missing id", i)
		}
		class, err := roadClass(f.Properties)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", id, err)
		}
		refs = append(refs, &roadnet.BaseReference{
			ID:                 id,
			GeometryID:         f.Properties.MustString("geometry_id", id),
			FromIntersectionID: f.Properties.MustString("from_intersection_id", ""),
			ToIntersectionID:   f.Properties.MustString("to_intersection_id", ""),
			LengthKm:           f.Properties.MustFloat64("length_km", 0),
			RoadClass:          class,
			Coords:             ls,
		})
	}
	return refs, nil
}

// ParseTargetMap reads target-map edges and paths from a GeoJSON
// FeatureCollection of LineStrings. Each feature is one edge with an integer
// id and optional native_id, length_km and unidirectional properties; edges
// carrying path_id and seq are collected into paths ordered by seq.
func ParseTargetMap(targetMap string, r io.Reader) ([]*roadnet.TargetMapEdge, []*roadnet.TargetMapPath, error) {
	fc, err := readFeatures(r)
	if err != nil {
		return nil, nil, err
	}

	type step struct {
		seq  int
		edge int64
	}
	var (
		edges []*roadnet.TargetMapEdge
		seen  = make(map[int64]bool)
		steps = make(map[int64][]step)
	)
	for i, f := range fc.Features {
		ls, ok := f.Geometry.(orb.LineString)
		if !ok {
			return nil, nil, fmt.Errorf("feature %d: expected LineString, got %T", i, f.Geometry)
		}
		raw, ok := f.Properties["id"].(float64)
		if !ok {
			return nil, nil, fmt.Errorf("feature %d: missing integer id", i)
		}
		id := int64(raw)
		if !seen[id] {
			seen[id] = true
			edges = append(edges, &roadnet.TargetMapEdge{
				ID:             id,
				TargetMapID:    f.Properties.MustString("native_id", fmt.Sprint(id)),
				Coords:         ls,
				LengthKm:       f.Properties.MustFloat64("length_km", 0),
				Unidirectional: f.Properties.MustBool("unidirectional", false),
			})
		}
		if pathID, ok := f.Properties["path_id"].(float64); ok {
			steps[int64(pathID)] = append(steps[int64(pathID)], step{
				seq:  f.Properties.MustInt("seq", len(steps[int64(pathID)])),
				edge: id,
			})
		}
	}

	paths := make([]*roadnet.TargetMapPath, 0, len(steps))
	for pathID, ss := range steps {
		sort.SliceStable(ss, func(i, j int) bool { return ss[i].seq < ss[j].seq })
		p := &roadnet.TargetMapPath{ID: pathID, TargetMap: targetMap}
		for _, s := range ss {
			p.EdgeIDs = append(p.EdgeIDs, s.edge)
		}
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].ID < paths[j].ID })
	return edges, paths, nil
}

// LoadBaseNetwork parses and stores a base network.
func (db *DB) LoadBaseNetwork(ctx context.Context, r io.Reader) (int, error) {
	refs, err := ParseBaseNetwork(r)
	if err != nil {
		return 0, err
	}
	if err := db.InsertBaseReferences(ctx, refs); err != nil {
		return 0, err
	}
	return len(refs), nil
}

// LoadTargetMap parses and stores a target map's edges and paths, creating
// the target map if needed.
func (db *DB) LoadTargetMap(ctx context.Context, tm *roadnet.TargetMap, r io.Reader) (int, int, error) {
	edges, paths, err := ParseTargetMap(tm.ID, r)
	if err != nil {
		return 0, 0, err
	}
	if err := db.InsertTargetMap(ctx, tm); err != nil {
		return 0, 0, err
	}
	if err := db.InsertTargetMapEdges(ctx, tm.ID, edges); err != nil {
		return 0, 0, err
	}
	if err := db.InsertTargetMapPaths(ctx, paths); err != nil {
		return 0, 0, err
	}
	return len(edges), len(paths), nil
}
