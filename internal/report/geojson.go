package report

import (
	"fmt"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"

	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/vicinity"
)

// DefaultSimplifyKm is the Douglas-Peucker tolerance applied to exported
// sections.
const DefaultSimplifyKm = 0.001

// Layer builds GeoJSON features for assigned sections and unresolved
// disputes, cut out of the references' lon/lat geometry.
type Layer struct {
	References map[string]*roadnet.BaseReference
	SimplifyKm float64

	// Missing counts sections whose reference was not available.
	Missing int
}

// section returns the lon/lat geometry of [start, end] along r, simplified
// in the reference's local frame.
func (l *Layer) section(r *roadnet.BaseReference, start, end float64) (orb.LineString, error) {
	if len(r.Coords) < 2 {
		return nil, fmt.Errorf("reference %s: %w", r.ID, geom.ErrDegenerate)
	}
	proj := geom.NewProjection(r.Coords[0])
	planar := r.WithCoords(proj.Line(r.Coords))
	line := vicinity.SectionLine(planar, start, end)
	if len(line) < 2 {
		return nil, fmt.Errorf("reference %s [%.5f,%.5f]: %w", r.ID, start, end, geom.ErrDegenerate)
	}
	if l.SimplifyKm > 0 && len(line) > 2 {
		if s, ok := simplify.DouglasPeucker(l.SimplifyKm).Simplify(line.Clone()).(orb.LineString); ok && len(s) >= 2 {
			line = s
		}
	}
	return proj.InverseLine(line), nil
}

// FeatureCollection returns one feature per assigned match and one per
// unresolved dispute.
func (l *Layer) FeatureCollection(assigned []roadnet.AssignedMatch, disputes []db.DisputeReport) (*geojson.FeatureCollection, error) {
	l.Missing = 0
	fc := geojson.NewFeatureCollection()
	for _, a := range assigned {
		r := l.References[a.BaseReferenceID]
		if r == nil {
			l.Missing++
			continue
		}
		line, err := l.section(r, a.SectionStart, a.SectionEnd)
		if err != nil {
			return nil, err
		}
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "assigned"
		f.Properties["base_reference_id"] = a.BaseReferenceID
		f.Properties["edge_id"] = a.TargetMapEdgeID
		f.Properties["path_id"] = a.TargetMapPathID
		f.Properties["is_forward"] = a.IsForward
		f.Properties["section_start"] = a.SectionStart
		f.Properties["section_end"] = a.SectionEnd
		fc.Append(f)
	}
	for _, d := range disputes {
		r := l.References[d.BaseReferenceID]
		if r == nil {
			l.Missing++
			continue
		}
		line, err := l.section(r, d.SectionStart, d.SectionEnd)
		if err != nil {
			return nil, err
		}
		paths := make([]int64, len(d.Claims))
		for i, c := range d.Claims {
			paths[i] = c.TargetMapPathID
		}
		f := geojson.NewFeature(line)
		f.Properties["kind"] = "dispute"
		f.Properties["base_reference_id"] = d.BaseReferenceID
		f.Properties["section_start"] = d.SectionStart
		f.Properties["section_end"] = d.SectionEnd
		f.Properties["claimant_paths"] = paths
		fc.Append(f)
	}
	return fc, nil
}

// WriteGeoJSON writes the layer as a GeoJSON FeatureCollection.
func (l *Layer) WriteGeoJSON(w io.Writer, assigned []roadnet.AssignedMatch, disputes []db.DisputeReport) error {
	fc, err := l.FeatureCollection(assigned, disputes)
	if err != nil {
		return err
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	_, err = w.Write(data)
	return err
}
