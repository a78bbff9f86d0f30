package geom

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// capSegments is the number of chords used for each semicircular line cap
// and for the circles around hull points.
const capSegments = 8

// BufferLine returns the outline of ls offset by dist on both sides with
// round end caps. Interior joins are mitred along the bisector; on sharp bends
// the outline may self-intersect, which callers detect with IsSimpleRing.
func BufferLine(ls orb.LineString, dist float64) (orb.Ring, error) {
	pts := dedupe(ls)
	if len(pts) < 2 || dist <= 0 {
		return nil, ErrDegenerate
	}

	n := len(pts)
	left := make([]orb.Point, n)
	right := make([]orb.Point, n)
	for i := 0; i < n; i++ {
		var nx, ny float64
		switch i {
		case 0:
			nx, ny = normal(pts[0], pts[1])
		case n - 1:
			nx, ny = normal(pts[n-2], pts[n-1])
		default:
			ax, ay := normal(pts[i-1], pts[i])
			bx, by := normal(pts[i], pts[i+1])
			nx, ny = ax+bx, ay+by
			l := math.Hypot(nx, ny)
			if l < 1e-12 {
				nx, ny = ax, ay
			} else {
				nx, ny = nx/l, ny/l
				// Mitre length, capped to keep spikes bounded.
				scale := 1 / math.Max(nx*ax+ny*ay, 0.5)
				nx, ny = nx*scale, ny*scale
			}
		}
		left[i] = orb.Point{pts[i][0] + nx*dist, pts[i][1] + ny*dist}
		right[i] = orb.Point{pts[i][0] - nx*dist, pts[i][1] - ny*dist}
	}

	ring := make(orb.Ring, 0, 2*n+2*capSegments+1)
	ring = append(ring, left...)
	ring = append(ring, arc(pts[n-1], left[n-1], dist)...)
	for i := n - 1; i >= 0; i-- {
		ring = append(ring, right[i])
	}
	ring = append(ring, arc(pts[0], right[0], dist)...)
	ring = append(ring, ring[0])
	return ring, nil
}

// BufferLines buffers the primary line and every extra line it does not
// already cover, by dist. The result holds one polygon for the primary line
// followed by one per uncovered extra line, so together they cover the union
// of all the geometry. When the primary outline is not simple the convex
// hull of all the geometry is buffered instead and the second result is
// true. An extra line whose own outline is not simple is replaced by its
// buffered hull.
func BufferLines(primary orb.LineString, extra []orb.LineString, dist float64) (orb.MultiPolygon, bool, error) {
	ring, err := BufferLine(primary, dist)
	if err != nil || !IsSimpleRing(ring) {
		var all []orb.Point
		all = append(all, primary...)
		for _, ls := range extra {
			all = append(all, ls...)
		}
		hull, err := HullBuffer(all, dist)
		if err != nil {
			return nil, true, err
		}
		return orb.MultiPolygon{{hull}}, true, nil
	}

	area := orb.MultiPolygon{{ring}}
	for _, ls := range extra {
		if covers(area, ls) {
			continue
		}
		r, err := BufferLine(ls, dist)
		if err != nil || !IsSimpleRing(r) {
			if r, err = HullBuffer(ls, dist); err != nil {
				return nil, false, err
			}
		}
		area = append(area, orb.Polygon{r})
	}
	return area, false, nil
}

// HullBuffer returns the convex hull of pts after expanding each into a
// circle of radius dist.
func HullBuffer(pts []orb.Point, dist float64) (orb.Ring, error) {
	if len(pts) == 0 {
		return nil, ErrDegenerate
	}
	expanded := make([]orb.Point, 0, len(pts)*2*capSegments)
	for _, p := range pts {
		for k := 0; k < 2*capSegments; k++ {
			a := math.Pi * float64(k) / capSegments
			expanded = append(expanded, orb.Point{p[0] + dist*math.Cos(a), p[1] + dist*math.Sin(a)})
		}
	}
	return ConvexHull(expanded)
}

// ConvexHull returns the closed counter-clockwise convex hull of pts using
// Andrew's monotone chain.
func ConvexHull(pts []orb.Point) (orb.Ring, error) {
	p := dedupe(append([]orb.Point(nil), pts...))
	sort.Slice(p, func(i, j int) bool {
		if p[i][0] != p[j][0] {
			return p[i][0] < p[j][0]
		}
		return p[i][1] < p[j][1]
	})
	p = dedupe(p)
	if len(p) < 3 {
		return nil, ErrDegenerate
	}

	hull := make([]orb.Point, 0, 2*len(p))
	for _, pt := range p {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	lower := len(hull) + 1
	for i := len(p) - 2; i >= 0; i-- {
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p[i]) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p[i])
	}
	if len(hull) < 4 {
		return nil, ErrDegenerate
	}
	return orb.Ring(hull), nil
}

// IsSimpleRing reports whether no two non-adjacent edges of the closed ring
// touch or cross.
func IsSimpleRing(r orb.Ring) bool {
	n := len(r) - 1
	if n < 3 || r[0] != r[n] {
		return false
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if SegmentsIntersect(r[i], r[i+1], r[j], r[j+1]) {
				return false
			}
		}
	}
	return true
}

// SegmentsIntersect reports whether segments ab and cd share a point.
func SegmentsIntersect(a, b, c, d orb.Point) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(c, d, a)) ||
		(d2 == 0 && onSegment(c, d, b)) ||
		(d3 == 0 && onSegment(a, b, c)) ||
		(d4 == 0 && onSegment(a, b, d))
}

// PolygonIntersectsLine reports whether ls touches poly: a vertex inside, or
// a segment crossing the outer ring.
func PolygonIntersectsLine(poly orb.Polygon, ls orb.LineString) bool {
	if len(poly) == 0 || len(ls) == 0 {
		return false
	}
	if !poly.Bound().Intersects(ls.Bound()) {
		return false
	}
	for _, p := range ls {
		if planar.PolygonContains(poly, p) {
			return true
		}
	}
	outer := poly[0]
	for i := 0; i < len(ls)-1; i++ {
		for j := 0; j < len(outer)-1; j++ {
			if SegmentsIntersect(ls[i], ls[i+1], outer[j], outer[j+1]) {
				return true
			}
		}
	}
	return false
}

// covers reports whether every vertex of ls lies in one of the polygons.
func covers(area orb.MultiPolygon, ls orb.LineString) bool {
	for _, p := range ls {
		if !planar.MultiPolygonContains(area, p) {
			return false
		}
	}
	return true
}

// arc returns the semicircle of radius dist around centre, starting just
// after from and turning clockwise, excluding both ends.
func arc(centre, from orb.Point, dist float64) []orb.Point {
	start := math.Atan2(from[1]-centre[1], from[0]-centre[0])
	out := make([]orb.Point, 0, capSegments-1)
	for k := 1; k < capSegments; k++ {
		a := start - math.Pi*float64(k)/capSegments
		out = append(out, orb.Point{centre[0] + dist*math.Cos(a), centre[1] + dist*math.Sin(a)})
	}
	return out
}

// normal returns the unit left normal of segment ab.
func normal(a, b orb.Point) (float64, float64) {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l := math.Hypot(dx, dy)
	return -dy / l, dx / l
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// dedupe drops consecutive repeated points.
func dedupe(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts))
	for _, p := range pts {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return out
}
