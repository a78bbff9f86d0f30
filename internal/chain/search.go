// Package chain searches the base network around a target-map path for the
// reference chain that best follows it, once forward and, for centerline
// target maps, once backward.
package chain

import (
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"

	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/monitoring"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/subnet"
	"github.com/banshee-data/conflation/internal/vicinity"
)

// Direction is the traversal direction of a chain relative to the path.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Options tunes the search. Zero fields take the defaults below.
type Options struct {
	// Candidates is the number of nearest endpoints taken per index.
	Candidates int
	// ClipRadiusKm is the neighbourhood of a reference the path is
	// clipped to when weighting it.
	ClipRadiusKm float64
	// DistanceCapKm caps sampled distances when weighting.
	DistanceCapKm float64
	// EndAreaKm is the radius of the start-area and end-area subnets.
	EndAreaKm float64
	// WindowKm is the length of the head and tail compared when scoring.
	WindowKm float64
}

// DefaultOptions returns the standard search tuning.
func DefaultOptions() Options {
	return Options{
		Candidates:    10,
		ClipRadiusKm:  0.2,
		DistanceCapKm: 0.4,
		EndAreaKm:     0.1,
		WindowKm:      0.5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Candidates > 0 {
		d.Candidates = o.Candidates
	}
	if o.ClipRadiusKm > 0 {
		d.ClipRadiusKm = o.ClipRadiusKm
	}
	if o.DistanceCapKm > 0 {
		d.DistanceCapKm = o.DistanceCapKm
	}
	if o.EndAreaKm > 0 {
		d.EndAreaKm = o.EndAreaKm
	}
	if o.WindowKm > 0 {
		d.WindowKm = o.WindowKm
	}
	return d
}

// Chain is one scored hypothesis.
type Chain struct {
	Direction  Direction
	Source     string
	Sink       string
	References []*roadnet.BaseReference
	Score      float64
}

// Key identifies the chain by its reference ids.
func (c *Chain) Key() string {
	ids := make([]string, len(c.References))
	for i, r := range c.References {
		ids[i] = r.ID
	}
	return strings.Join(ids, ",")
}

// Result holds the best chain per direction; either may be nil.
type Result struct {
	Forward  *Chain
	Backward *Chain
	// Considered counts the distinct chains scored per direction.
	Considered map[Direction]int
}

// Searcher runs chain search over one vicinity. It owns the weight cache for
// that vicinity and is not safe for concurrent use.
type Searcher struct {
	v     *vicinity.Vicinity
	opts  Options
	cache *weightCache
}

// NewSearcher returns a searcher over v.
func NewSearcher(v *vicinity.Vicinity, opts Options) *Searcher {
	s := &Searcher{v: v, opts: opts.withDefaults()}
	s.cache = newWeightCache(func(r *roadnet.BaseReference) float64 {
		return ReferenceWeight(r, v.IsSuggested(r), v.PathLine, s.opts.ClipRadiusKm, s.opts.DistanceCapKm)
	})
	return s
}

// Weight returns the memoised traversal cost of r.
func (s *Searcher) Weight(r *roadnet.BaseReference) float64 {
	return s.cache.weight(r)
}

// Search finds the best chain forward and, for centerline target maps,
// backward.
func (s *Searcher) Search() *Result {
	res := &Result{Considered: make(map[Direction]int)}
	res.Forward, res.Considered[Forward] = s.best(Forward, s.v.PathLine)
	if s.v.TargetMap != nil && s.v.TargetMap.IsCenterline {
		res.Backward, res.Considered[Backward] = s.best(Backward, geom.Reversed(s.v.PathLine))
	}
	return res
}

func (s *Searcher) best(dir Direction, line orb.LineString) (*Chain, int) {
	net := s.v.Subnet()
	if net.Len() == 0 || len(line) < 2 {
		return nil, 0
	}

	seen := make(map[string]struct{})
	var chains []*Chain
	for _, p := range s.candidatePairs(net, line) {
		refs := net.ShortestPath(p.Source, p.Sink, s.Weight, nil)
		if refs == nil {
			continue
		}
		c := &Chain{Direction: dir, Source: p.Source, Sink: p.Sink, References: refs}
		if _, ok := seen[c.Key()]; ok {
			continue
		}
		seen[c.Key()] = struct{}{}
		c.Score = Score(refs, line, s.opts.WindowKm)
		chains = append(chains, c)
	}
	return pickLowest(chains), len(chains)
}

// pickLowest returns the lowest-scoring chain, or nil when there is none,
// when every score is infinite or when the lowest score is tied.
func pickLowest(chains []*Chain) *Chain {
	sort.SliceStable(chains, func(i, j int) bool { return chains[i].Score < chains[j].Score })
	if len(chains) == 0 || math.IsInf(chains[0].Score, 1) || math.IsNaN(chains[0].Score) {
		return nil
	}
	if len(chains) > 1 && sameScore(chains[0].Score, chains[1].Score) {
		monitoring.Logf("[Chain] %s: tie between %s and %s at %.6g, no hypothesis",
			chains[0].Direction, chains[0].Key(), chains[1].Key(), chains[0].Score)
		return nil
	}
	return chains[0]
}

func sameScore(a, b float64) bool {
	return math.Abs(a-b) <= 1e-12*math.Max(1, math.Abs(a))
}

// candidatePairs combines the sources near the start of line with the sinks
// near its end. Candidates come from the nearest reference endpoints in both
// intersection indexes and from the structural sources and sinks of the
// subnets around each end.
func (s *Searcher) candidatePairs(net *subnet.Subnet, line orb.LineString) []subnet.Pair {
	start, end := line[0], line[len(line)-1]
	refs := net.References()

	fromIdx := newEndpointIndex(refs, true)
	toIdx := newEndpointIndex(refs, false)

	var sources, sinks []string
	sources = append(sources, fromIdx.nearest(start, s.opts.Candidates)...)
	sources = append(sources, toIdx.nearest(start, s.opts.Candidates)...)
	sinks = append(sinks, toIdx.nearest(end, s.opts.Candidates)...)
	sinks = append(sinks, fromIdx.nearest(end, s.opts.Candidates)...)

	sources = append(sources, net.Restrict(near(refs, start, s.opts.EndAreaKm)).Sources()...)
	sinks = append(sinks, net.Restrict(near(refs, end, s.opts.EndAreaKm)).Sinks()...)

	return subnet.Pairs(unique(sources), unique(sinks))
}

// near returns the ids of refs passing within radius of p.
func near(refs []*roadnet.BaseReference, p orb.Point, radius float64) []string {
	var out []string
	for _, r := range refs {
		if geom.DistanceToLine(p, r.Coords) <= radius {
			out = append(out, r.ID)
		}
	}
	return out
}

// endpoint is a reference end tagged with its intersection id.
type endpoint struct {
	p    orb.Point
	node string
}

func (e endpoint) Point() orb.Point { return e.p }

// endpointIndex is a quadtree over the first (from) or last (to) vertex of
// every reference.
type endpointIndex struct {
	qt *quadtree.Quadtree
	n  int
}

func newEndpointIndex(refs []*roadnet.BaseReference, from bool) *endpointIndex {
	var pts []endpoint
	bound := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, r := range refs {
		if len(r.Coords) == 0 {
			continue
		}
		e := endpoint{p: r.Coords[len(r.Coords)-1], node: r.ToIntersectionID}
		if from {
			e = endpoint{p: r.Coords[0], node: r.FromIntersectionID}
		}
		pts = append(pts, e)
		bound = bound.Extend(e.p)
	}
	if len(pts) == 0 {
		return &endpointIndex{}
	}

	qt := quadtree.New(bound.Pad(1e-6))
	for _, e := range pts {
		if err := qt.Add(e); err != nil {
			monitoring.Logf("[Chain] endpoint %s outside index bound: %v", e.node, err)
		}
	}
	return &endpointIndex{qt: qt, n: len(pts)}
}

// nearest returns the ids of the k distinct intersections nearest p,
// nearest first. Several references share an intersection, so the tree is
// queried for more endpoints until k distinct ids are found or it runs out.
func (idx *endpointIndex) nearest(p orb.Point, k int) []string {
	if idx.qt == nil || k <= 0 {
		return nil
	}
	for fetch := 2 * k; ; fetch *= 2 {
		ptrs := idx.qt.KNearest(nil, p, fetch)
		var out []string
		seen := make(map[string]struct{}, k)
		for _, ptr := range ptrs {
			node := ptr.(endpoint).node
			if _, ok := seen[node]; ok {
				continue
			}
			seen[node] = struct{}{}
			out = append(out, node)
			if len(out) == k {
				return out
			}
		}
		if len(ptrs) < fetch || fetch >= idx.n {
			return out
		}
	}
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
