package geom

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ErrDegenerate is returned when a geometry has too few distinct vertices to
// support the requested operation.
var ErrDegenerate = errors.New("degenerate geometry")

// Location is the nearest-point projection of a point onto a line string.
type Location struct {
	// Along is the distance from the start of the line to Point.
	Along float64
	// Distance is the distance from the query point to Point.
	Distance float64
	Point    orb.Point
	// Segment is the index of the segment holding Point.
	Segment int
}

// Length returns the planar length of ls.
func Length(ls orb.LineString) float64 {
	return planar.Length(ls)
}

// Cumulative returns the distance from the start of ls to each vertex.
func Cumulative(ls orb.LineString) []float64 {
	out := make([]float64, len(ls))
	for i := 1; i < len(ls); i++ {
		out[i] = out[i-1] + planar.Distance(ls[i-1], ls[i])
	}
	return out
}

// Locate projects p onto ls. Ties resolve to the earliest segment, so a point
// equidistant from two parts of a looping line snaps to the first.
func Locate(ls orb.LineString, p orb.Point) (Location, error) {
	switch len(ls) {
	case 0:
		return Location{}, ErrDegenerate
	case 1:
		return Location{Distance: planar.Distance(ls[0], p), Point: ls[0]}, nil
	}

	best := Location{Distance: math.Inf(1)}
	along := 0.0
	for i := 0; i < len(ls)-1; i++ {
		a, b := ls[i], ls[i+1]
		segLen := planar.Distance(a, b)
		t := 0.0
		if segLen > 0 {
			t = ((p[0]-a[0])*(b[0]-a[0]) + (p[1]-a[1])*(b[1]-a[1])) / (segLen * segLen)
			t = math.Max(0, math.Min(1, t))
		}
		q := orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])}
		d := planar.Distance(p, q)
		if d < best.Distance {
			best = Location{Along: along + t*segLen, Distance: d, Point: q, Segment: i}
		}
		along += segLen
	}
	return best, nil
}

// Interpolate returns the point at distance along from the start of ls,
// clamped to the line's ends.
func Interpolate(ls orb.LineString, along float64) orb.Point {
	if len(ls) == 0 {
		return orb.Point{}
	}
	if along <= 0 {
		return ls[0]
	}
	acc := 0.0
	for i := 0; i < len(ls)-1; i++ {
		segLen := planar.Distance(ls[i], ls[i+1])
		if acc+segLen >= along && segLen > 0 {
			t := (along - acc) / segLen
			return orb.Point{
				ls[i][0] + t*(ls[i+1][0]-ls[i][0]),
				ls[i][1] + t*(ls[i+1][1]-ls[i][1]),
			}
		}
		acc += segLen
	}
	return ls[len(ls)-1]
}

// Substring returns the part of ls between the along-distances from and to.
// Both are clamped to the line. A reversed range yields nil.
func Substring(ls orb.LineString, from, to float64) orb.LineString {
	if len(ls) < 2 {
		return nil
	}
	total := Length(ls)
	from = math.Max(0, math.Min(total, from))
	to = math.Max(0, math.Min(total, to))
	if to < from {
		return nil
	}

	out := orb.LineString{Interpolate(ls, from)}
	acc := 0.0
	for i := 1; i < len(ls); i++ {
		acc += planar.Distance(ls[i-1], ls[i])
		if acc > from && acc < to {
			out = append(out, ls[i])
		}
	}
	out = append(out, Interpolate(ls, to))
	return out
}

// Reversed returns a reversed copy of ls.
func Reversed(ls orb.LineString) orb.LineString {
	c := ls.Clone()
	c.Reverse()
	return c
}

// Merge concatenates lines in order, dropping the repeated vertex where one
// line ends on the next one's start.
func Merge(lines ...orb.LineString) orb.LineString {
	var out orb.LineString
	for _, ls := range lines {
		for i, p := range ls {
			if i == 0 && len(out) > 0 && planar.Distance(out[len(out)-1], p) < 1e-9 {
				continue
			}
			out = append(out, p)
		}
	}
	return out
}

// DistanceToLine returns the distance from p to the nearest point of ls, or
// +Inf for an empty line.
func DistanceToLine(p orb.Point, ls orb.LineString) float64 {
	switch len(ls) {
	case 0:
		return math.Inf(1)
	case 1:
		return planar.Distance(p, ls[0])
	}
	best := math.Inf(1)
	for i := 0; i < len(ls)-1; i++ {
		if d := planar.DistanceFromSegment(ls[i], ls[i+1], p); d < best {
			best = d
		}
	}
	return best
}

// DistanceToLines returns the distance from p to the nearest of lines.
func DistanceToLines(p orb.Point, lines orb.MultiLineString) float64 {
	best := math.Inf(1)
	for _, ls := range lines {
		if d := DistanceToLine(p, ls); d < best {
			best = d
		}
	}
	return best
}

// Resample returns n points spaced evenly along ls, including both ends.
func Resample(ls orb.LineString, n int) []orb.Point {
	if len(ls) == 0 || n <= 0 {
		return nil
	}
	if n == 1 {
		return []orb.Point{ls[0]}
	}
	total := Length(ls)
	out := make([]orb.Point, n)
	for i := 0; i < n; i++ {
		out[i] = Interpolate(ls, total*float64(i)/float64(n-1))
	}
	return out
}

// Densify inserts vertices so that no segment of the result is longer than
// step.
func Densify(ls orb.LineString, step float64) orb.LineString {
	if len(ls) < 2 || step <= 0 {
		return ls.Clone()
	}
	out := orb.LineString{ls[0]}
	for i := 1; i < len(ls); i++ {
		a, b := ls[i-1], ls[i]
		n := int(math.Ceil(planar.Distance(a, b) / step))
		for k := 1; k < n; k++ {
			t := float64(k) / float64(n)
			out = append(out, orb.Point{a[0] + t*(b[0]-a[0]), a[1] + t*(b[1]-a[1])})
		}
		out = append(out, b)
	}
	return out
}

// ClipNear returns the contiguous runs of line lying within radius of ref.
// The line is densified first so that runs start and end close to where the
// line enters and leaves the neighbourhood.
func ClipNear(line, ref orb.LineString, radius float64) orb.MultiLineString {
	if len(line) == 0 || len(ref) == 0 {
		return nil
	}
	step := radius / 10
	if step <= 0 {
		step = 0.001
	}
	dense := Densify(line, step)

	var runs orb.MultiLineString
	var cur orb.LineString
	flush := func() {
		switch len(cur) {
		case 0:
			return
		case 1:
			cur = append(cur, cur[0])
		}
		runs = append(runs, cur)
		cur = nil
	}
	for _, p := range dense {
		if DistanceToLine(p, ref) <= radius {
			cur = append(cur, p)
			continue
		}
		flush()
	}
	flush()
	return runs
}
