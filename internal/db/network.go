package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geo"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/roadnet"
)

// inChunk bounds the number of bound parameters per IN (...) query.
const inChunk = 500

func encodeLine(ls orb.LineString) ([]byte, orb.Bound, error) {
	if len(ls) < 2 {
		return nil, orb.Bound{}, fmt.Errorf("line with %d points: %w", len(ls), geom.ErrDegenerate)
	}
	b, err := wkb.Marshal(ls)
	if err != nil {
		return nil, orb.Bound{}, fmt.Errorf("failed to encode geometry: %w", err)
	}
	return b, ls.Bound(), nil
}

func decodeLine(b []byte) (orb.LineString, error) {
	g, err := wkb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode geometry: %w", err)
	}
	ls, ok := g.(orb.LineString)
	if !ok {
		return nil, fmt.Errorf("expected LineString, got %s", g.GeoJSONType())
	}
	return ls, nil
}

// lengthKm returns the geodesic length of a lon/lat line in kilometres.
func lengthKm(ls orb.LineString) float64 {
	return geo.Length(ls) / 1000
}

// InsertBaseReferences upserts base references. A zero LengthKm is filled in
// from the geometry.
func (db *DB) InsertBaseReferences(ctx context.Context, refs []*roadnet.BaseReference) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO base_references (
				id, geometry_id, from_intersection_id, to_intersection_id,
				length_km, road_class, geom, min_lon, min_lat, max_lon, max_lat
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				geometry_id = excluded.geometry_id,
				from_intersection_id = excluded.from_intersection_id,
				to_intersection_id = excluded.to_intersection_id,
				length_km = excluded.length_km,
				road_class = excluded.road_class,
				geom = excluded.geom,
				min_lon = excluded.min_lon, min_lat = excluded.min_lat,
				max_lon = excluded.max_lon, max_lat = excluded.max_lat`)
		if err != nil {
			return fmt.Errorf("failed to prepare base reference insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range refs {
			blob, b, err := encodeLine(r.Coords)
			if err != nil {
				return fmt.Errorf("base reference %s: %w", r.ID, err)
			}
			length := r.LengthKm
			if length <= 0 {
				length = lengthKm(r.Coords)
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.GeometryID, r.FromIntersectionID, r.ToIntersectionID,
				length, int(r.RoadClass), blob, b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()); err != nil {
				return fmt.Errorf("failed to insert base reference %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

const baseReferenceColumns = `id, geometry_id, from_intersection_id, to_intersection_id, length_km, road_class, geom`

func scanBaseReferences(rows *sql.Rows) ([]*roadnet.BaseReference, error) {
	defer rows.Close()
	var out []*roadnet.BaseReference
	for rows.Next() {
		var (
			r     roadnet.BaseReference
			class int
			blob  []byte
		)
		if err := rows.Scan(&r.ID, &r.GeometryID, &r.FromIntersectionID, &r.ToIntersectionID,
			&r.LengthKm, &class, &blob); err != nil {
			return nil, err
		}
		r.RoadClass = roadnet.RoadClass(class)
		ls, err := decodeLine(blob)
		if err != nil {
			return nil, fmt.Errorf("base reference %s: %w", r.ID, err)
		}
		r.Coords = ls
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetBaseReferences returns the references with the given ids, ordered by id.
// Unknown ids are skipped.
func (db *DB) GetBaseReferences(ctx context.Context, ids []string) ([]*roadnet.BaseReference, error) {
	var out []*roadnet.BaseReference
	for start := 0; start < len(ids); start += inChunk {
		chunk := ids[start:min(start+inChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := db.QueryContext(ctx,
			`SELECT `+baseReferenceColumns+` FROM base_references WHERE id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query base references: %w", err)
		}
		refs, err := scanBaseReferences(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan base references: %w", err)
		}
		out = append(out, refs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetBaseReferencesInPolygon returns the references whose geometry touches
// the lon/lat polygon, ordered by id.
func (db *DB) GetBaseReferencesInPolygon(ctx context.Context, poly orb.Polygon) ([]*roadnet.BaseReference, error) {
	b := poly.Bound()
	rows, err := db.QueryContext(ctx, `
		SELECT `+baseReferenceColumns+` FROM base_references
		WHERE max_lon >= ? AND min_lon <= ? AND max_lat >= ? AND min_lat <= ?
		ORDER BY id`,
		b.Min.Lon(), b.Max.Lon(), b.Min.Lat(), b.Max.Lat())
	if err != nil {
		return nil, fmt.Errorf("failed to query base references in area: %w", err)
	}
	refs, err := scanBaseReferences(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan base references: %w", err)
	}
	out := refs[:0]
	for _, r := range refs {
		if geom.PolygonIntersectsLine(poly, r.Coords) {
			out = append(out, r)
		}
	}
	return out, nil
}

// CountBaseReferences returns the size of the base network.
func (db *DB) CountBaseReferences(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM base_references`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count base references: %w", err)
	}
	return n, nil
}

// InsertTargetMap creates or renames a target map.
func (db *DB) InsertTargetMap(ctx context.Context, tm *roadnet.TargetMap) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO target_maps (id, name, is_centerline) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_centerline = excluded.is_centerline`,
			tm.ID, tm.Name, boolToInt(tm.IsCenterline))
		if err != nil {
			return fmt.Errorf("failed to insert target map %s: %w", tm.ID, err)
		}
		return nil
	})
}

// GetTargetMap returns the target map, or nil when it does not exist.
func (db *DB) GetTargetMap(ctx context.Context, id string) (*roadnet.TargetMap, error) {
	var (
		tm         roadnet.TargetMap
		centerline int
	)
	err := db.QueryRowContext(ctx, `SELECT id, name, is_centerline FROM target_maps WHERE id = ?`, id).
		Scan(&tm.ID, &tm.Name, &centerline)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query target map %s: %w", id, err)
	}
	tm.IsCenterline = centerline != 0
	return &tm, nil
}

// ListTargetMaps returns every target map ordered by id.
func (db *DB) ListTargetMaps(ctx context.Context) ([]*roadnet.TargetMap, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name, is_centerline FROM target_maps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query target maps: %w", err)
	}
	defer rows.Close()

	var out []*roadnet.TargetMap
	for rows.Next() {
		var (
			tm         roadnet.TargetMap
			centerline int
		)
		if err := rows.Scan(&tm.ID, &tm.Name, &centerline); err != nil {
			return nil, fmt.Errorf("failed to scan target map: %w", err)
		}
		tm.IsCenterline = centerline != 0
		out = append(out, &tm)
	}
	return out, rows.Err()
}

// InsertTargetMapEdges upserts edges into a target map. A zero LengthKm is
// filled in from the geometry.
func (db *DB) InsertTargetMapEdges(ctx context.Context, targetMap string, edges []*roadnet.TargetMapEdge) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO target_map_edges (
				target_map, id, native_id, length_km, unidirectional,
				geom, min_lon, min_lat, max_lon, max_lat
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(target_map, id) DO UPDATE SET
				native_id = excluded.native_id,
				length_km = excluded.length_km,
				unidirectional = excluded.unidirectional,
				geom = excluded.geom,
				min_lon = excluded.min_lon, min_lat = excluded.min_lat,
				max_lon = excluded.max_lon, max_lat = excluded.max_lat`)
		if err != nil {
			return fmt.Errorf("failed to prepare edge insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range edges {
			blob, b, err := encodeLine(e.Coords)
			if err != nil {
				return fmt.Errorf("edge %d: %w", e.ID, err)
			}
			length := e.LengthKm
			if length <= 0 {
				length = lengthKm(e.Coords)
			}
			if _, err := stmt.ExecContext(ctx, targetMap, e.ID, e.TargetMapID, length, boolToInt(e.Unidirectional),
				blob, b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()); err != nil {
				return fmt.Errorf("failed to insert edge %d: %w", e.ID, err)
			}
		}
		return nil
	})
}

const edgeColumns = `id, native_id, length_km, unidirectional, geom`

func scanEdges(rows *sql.Rows) ([]*roadnet.TargetMapEdge, error) {
	defer rows.Close()
	var out []*roadnet.TargetMapEdge
	for rows.Next() {
		var (
			e    roadnet.TargetMapEdge
			uni  int
			blob []byte
		)
		if err := rows.Scan(&e.ID, &e.TargetMapID, &e.LengthKm, &uni, &blob); err != nil {
			return nil, err
		}
		e.Unidirectional = uni != 0
		ls, err := decodeLine(blob)
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", e.ID, err)
		}
		e.Coords = ls
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetTargetMapEdges returns the requested edges in the order requested.
// Unknown ids are skipped; repeated ids are returned once per request.
func (db *DB) GetTargetMapEdges(ctx context.Context, targetMap string, ids []int64) ([]*roadnet.TargetMapEdge, error) {
	byID := make(map[int64]*roadnet.TargetMapEdge, len(ids))
	for start := 0; start < len(ids); start += inChunk {
		chunk := ids[start:min(start+inChunk, len(ids))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, targetMap)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := db.QueryContext(ctx,
			`SELECT `+edgeColumns+` FROM target_map_edges WHERE target_map = ? AND id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query edges: %w", err)
		}
		edges, err := scanEdges(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edges: %w", err)
		}
		for _, e := range edges {
			byID[e.ID] = e
		}
	}
	out := make([]*roadnet.TargetMapEdge, 0, len(ids))
	for _, id := range ids {
		if e := byID[id]; e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAllTargetMapEdges returns every edge of the target map ordered by id.
func (db *DB) GetAllTargetMapEdges(ctx context.Context, targetMap string) ([]*roadnet.TargetMapEdge, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM target_map_edges WHERE target_map = ? ORDER BY id`, targetMap)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	edges, err := scanEdges(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan edges: %w", err)
	}
	return edges, nil
}

// InsertTargetMapPaths replaces the edge sequence of each path.
func (db *DB) InsertTargetMapPaths(ctx context.Context, paths []*roadnet.TargetMapPath) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		for _, p := range paths {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO target_map_paths (target_map, id) VALUES (?, ?)`, p.TargetMap, p.ID); err != nil {
				return fmt.Errorf("failed to insert path %d: %w", p.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM target_map_path_edges WHERE target_map = ? AND path_id = ?`, p.TargetMap, p.ID); err != nil {
				return fmt.Errorf("failed to clear path %d: %w", p.ID, err)
			}
			for seq, edgeID := range p.EdgeIDs {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO target_map_path_edges (target_map, path_id, seq, edge_id) VALUES (?, ?, ?, ?)`,
					p.TargetMap, p.ID, seq, edgeID); err != nil {
					return fmt.Errorf("failed to insert path %d edge %d: %w", p.ID, edgeID, err)
				}
			}
		}
		return nil
	})
}

// GetTargetMapPath returns the path with its edge ids in path order, or nil
// when the path does not exist.
func (db *DB) GetTargetMapPath(ctx context.Context, targetMap string, pathID int64) (*roadnet.TargetMapPath, error) {
	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) > 0 FROM target_map_paths WHERE target_map = ? AND id = ?`, targetMap, pathID).
		Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to query path %d: %w", pathID, err)
	}
	if !exists {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx,
		`SELECT edge_id FROM target_map_path_edges WHERE target_map = ? AND path_id = ? ORDER BY seq`,
		targetMap, pathID)
	if err != nil {
		return nil, fmt.Errorf("failed to query path %d edges: %w", pathID, err)
	}
	defer rows.Close()

	p := &roadnet.TargetMapPath{ID: pathID, TargetMap: targetMap}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan path edge: %w", err)
		}
		p.EdgeIDs = append(p.EdgeIDs, id)
	}
	return p, rows.Err()
}

// GetTargetMapPathIDs returns every path id of the target map in order.
func (db *DB) GetTargetMapPathIDs(ctx context.Context, targetMap string) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM target_map_paths WHERE target_map = ? ORDER BY id`, targetMap)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan path id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetVicinityEdgesAndMatches returns the target-map edges touching the
// lon/lat polygon, except the excluded ones, and their raw matches.
func (db *DB) GetVicinityEdgesAndMatches(ctx context.Context, targetMap string, poly orb.Polygon, excludeEdgeIDs []int64) ([]*roadnet.TargetMapEdge, []*roadnet.RawMatch, error) {
	b := poly.Bound()
	rows, err := db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM target_map_edges
		WHERE target_map = ? AND max_lon >= ? AND min_lon <= ? AND max_lat >= ? AND min_lat <= ?
		ORDER BY id`,
		targetMap, b.Min.Lon(), b.Max.Lon(), b.Min.Lat(), b.Max.Lat())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query edges in area: %w", err)
	}
	candidates, err := scanEdges(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan edges: %w", err)
	}

	skip := make(map[int64]struct{}, len(excludeEdgeIDs))
	for _, id := range excludeEdgeIDs {
		skip[id] = struct{}{}
	}
	var (
		edges []*roadnet.TargetMapEdge
		ids   []int64
	)
	for _, e := range candidates {
		if _, ok := skip[e.ID]; ok {
			continue
		}
		if geom.PolygonIntersectsLine(poly, e.Coords) {
			edges = append(edges, e)
			ids = append(ids, e.ID)
		}
	}

	matches, err := db.GetRawMatchesForEdges(ctx, targetMap, ids)
	if err != nil {
		return nil, nil, err
	}
	return edges, matches, nil
}
