package geom

import (
	"math"

	"github.com/paulmach/orb"
)

// earthRadiusKm is the mean earth radius used by the local projection.
const earthRadiusKm = 6371.0088

// Projection maps lon/lat to a local planar frame in kilometres centred on an
// origin. Distortion stays well under 0.1% across a few tens of kilometres,
// which covers any single path vicinity.
type Projection struct {
	Origin orb.Point
	kx, ky float64
}

// NewProjection returns a projection centred on origin (lon, lat).
func NewProjection(origin orb.Point) Projection {
	ky := earthRadiusKm * math.Pi / 180
	return Projection{
		Origin: origin,
		kx:     ky * math.Cos(origin.Lat()*math.Pi/180),
		ky:     ky,
	}
}

// IdentityProjection leaves coordinates untouched. Tests and callers that
// already hold planar kilometre geometry use it.
func IdentityProjection() Projection {
	return Projection{kx: 1, ky: 1}
}

// Point projects a lon/lat point.
func (p Projection) Point(pt orb.Point) orb.Point {
	return orb.Point{(pt[0] - p.Origin[0]) * p.kx, (pt[1] - p.Origin[1]) * p.ky}
}

// Inverse maps a planar point back to lon/lat.
func (p Projection) Inverse(pt orb.Point) orb.Point {
	return orb.Point{pt[0]/p.kx + p.Origin[0], pt[1]/p.ky + p.Origin[1]}
}

// Line projects every vertex of ls into a new line string.
func (p Projection) Line(ls orb.LineString) orb.LineString {
	if ls == nil {
		return nil
	}
	out := make(orb.LineString, len(ls))
	for i, pt := range ls {
		out[i] = p.Point(pt)
	}
	return out
}

// InverseLine maps a planar line back to lon/lat.
func (p Projection) InverseLine(ls orb.LineString) orb.LineString {
	if ls == nil {
		return nil
	}
	out := make(orb.LineString, len(ls))
	for i, pt := range ls {
		out[i] = p.Inverse(pt)
	}
	return out
}

// InversePolygon maps a planar polygon back to lon/lat.
func (p Projection) InversePolygon(poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = p.Inverse(pt)
		}
		out[i] = r
	}
	return out
}

// InverseMultiPolygon maps planar polygons back to lon/lat.
func (p Projection) InverseMultiPolygon(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		out[i] = p.InversePolygon(poly)
	}
	return out
}

// Polygon projects a lon/lat polygon.
func (p Projection) Polygon(poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = p.Point(pt)
		}
		out[i] = r
	}
	return out
}
