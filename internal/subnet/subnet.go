// Package subnet models a set of base references as a directed multigraph
// keyed by intersection id. A Subnet is an immutable value; shortest-path and
// component queries are plain functions over it and never touch the store.
package subnet

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/banshee-data/conflation/internal/roadnet"
)

// WeightFunc returns the traversal cost of a reference. Negative results are
// treated as zero and non-finite results remove the reference.
type WeightFunc func(*roadnet.BaseReference) float64

// EdgeFilter reports whether a reference may take part in a search.
type EdgeFilter func(*roadnet.BaseReference) bool

// LengthWeight weights a reference by its length.
func LengthWeight(r *roadnet.BaseReference) float64 { return r.LengthKm }

// Pair is a candidate (source, sink) intersection pair.
type Pair struct {
	Source string
	Sink   string
}

// Subnet is a directed multigraph over base references. Nodes are
// intersection ids, edges are references; a physical geometry usually
// contributes one reference in each direction between the same two nodes.
type Subnet struct {
	refs  map[string]*roadnet.BaseReference
	out   map[string][]*roadnet.BaseReference
	in    map[string][]*roadnet.BaseReference
	nodes []string
	index map[string]int64
}

// New builds a subnet over refs. Duplicate ids keep the first occurrence.
func New(refs []*roadnet.BaseReference) *Subnet {
	s := &Subnet{
		refs:  make(map[string]*roadnet.BaseReference, len(refs)),
		out:   make(map[string][]*roadnet.BaseReference),
		in:    make(map[string][]*roadnet.BaseReference),
		index: make(map[string]int64),
	}
	for _, r := range refs {
		if r == nil {
			continue
		}
		if _, ok := s.refs[r.ID]; ok {
			continue
		}
		s.refs[r.ID] = r
		s.out[r.FromIntersectionID] = append(s.out[r.FromIntersectionID], r)
		s.in[r.ToIntersectionID] = append(s.in[r.ToIntersectionID], r)
		s.addNode(r.FromIntersectionID)
		s.addNode(r.ToIntersectionID)
	}
	sort.Strings(s.nodes)
	for i, n := range s.nodes {
		s.index[n] = int64(i)
	}
	byID := func(rs []*roadnet.BaseReference) {
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	}
	for _, rs := range s.out {
		byID(rs)
	}
	for _, rs := range s.in {
		byID(rs)
	}
	return s
}

func (s *Subnet) addNode(n string) {
	if _, ok := s.index[n]; ok {
		return
	}
	s.index[n] = -1
	s.nodes = append(s.nodes, n)
}

// Len returns the number of references.
func (s *Subnet) Len() int { return len(s.refs) }

// Reference returns the reference with the given id, or nil.
func (s *Subnet) Reference(id string) *roadnet.BaseReference { return s.refs[id] }

// References returns every reference ordered by id.
func (s *Subnet) References() []*roadnet.BaseReference {
	out := make([]*roadnet.BaseReference, 0, len(s.refs))
	for _, r := range s.refs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Nodes returns every intersection id in lexical order.
func (s *Subnet) Nodes() []string { return append([]string(nil), s.nodes...) }

// HasNode reports whether node is an endpoint of any reference.
func (s *Subnet) HasNode(node string) bool {
	_, ok := s.index[node]
	return ok
}

// Out returns the references leaving node, ordered by id.
func (s *Subnet) Out(node string) []*roadnet.BaseReference { return s.out[node] }

// In returns the references entering node, ordered by id.
func (s *Subnet) In(node string) []*roadnet.BaseReference { return s.in[node] }

// SimpleSources returns nodes with outgoing but no incoming references.
func (s *Subnet) SimpleSources() []string {
	var out []string
	for _, n := range s.nodes {
		if len(s.out[n]) > 0 && len(s.in[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// SimpleSinks returns nodes with incoming but no outgoing references.
func (s *Subnet) SimpleSinks() []string {
	var out []string
	for _, n := range s.nodes {
		if len(s.in[n]) > 0 && len(s.out[n]) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// UndirectedDegreeOne returns nodes touched by exactly one physical geometry,
// the dead ends of the undirected network.
func (s *Subnet) UndirectedDegreeOne() []string {
	var out []string
	for _, n := range s.nodes {
		geoms := make(map[string]struct{}, 2)
		for _, r := range s.out[n] {
			geoms[r.GeometryID] = struct{}{}
		}
		for _, r := range s.in[n] {
			geoms[r.GeometryID] = struct{}{}
		}
		if len(geoms) == 1 {
			out = append(out, n)
		}
	}
	return out
}

// Sources returns the structural start candidates: simple sources plus
// undirected dead ends that can be left.
func (s *Subnet) Sources() []string {
	set := make(map[string]struct{})
	for _, n := range s.SimpleSources() {
		set[n] = struct{}{}
	}
	for _, n := range s.UndirectedDegreeOne() {
		if len(s.out[n]) > 0 {
			set[n] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Sinks returns the structural end candidates: simple sinks plus undirected
// dead ends that can be entered.
func (s *Subnet) Sinks() []string {
	set := make(map[string]struct{})
	for _, n := range s.SimpleSinks() {
		set[n] = struct{}{}
	}
	for _, n := range s.UndirectedDegreeOne() {
		if len(s.in[n]) > 0 {
			set[n] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Restrict returns the subnet over the given reference ids. Unknown ids are
// ignored.
func (s *Subnet) Restrict(ids []string) *Subnet {
	refs := make([]*roadnet.BaseReference, 0, len(ids))
	for _, id := range ids {
		if r := s.refs[id]; r != nil {
			refs = append(refs, r)
		}
	}
	return New(refs)
}

// Components returns the undirected connected components as sorted lists of
// intersection ids, largest first.
func (s *Subnet) Components() [][]string {
	g := simple.NewUndirectedGraph()
	for i := range s.nodes {
		g.AddNode(simple.Node(int64(i)))
	}
	for _, r := range s.refs {
		u, v := s.index[r.FromIntersectionID], s.index[r.ToIntersectionID]
		if u == v {
			continue
		}
		g.SetEdge(g.NewEdge(simple.Node(u), simple.Node(v)))
	}

	var out [][]string
	for _, cc := range topo.ConnectedComponents(g) {
		names := make([]string, len(cc))
		for i, n := range cc {
			names[i] = s.nodes[n.ID()]
		}
		sort.Strings(names)
		out = append(out, names)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}

// Pairs combines every source with every sink, skipping identical nodes and
// duplicates. Order follows the inputs.
func Pairs(sources, sinks []string) []Pair {
	seen := make(map[Pair]struct{})
	var out []Pair
	for _, src := range sources {
		for _, dst := range sinks {
			p := Pair{Source: src, Sink: dst}
			if src == dst {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ShortestPath returns the cheapest chain of references from src to dst, or
// nil when either node is unknown or dst is unreachable. Parallel references
// between the same nodes collapse to the cheapest, ties going to the shorter,
// then lower class, then lower id. A nil weight uses LengthWeight and a nil
// filter admits everything.
func (s *Subnet) ShortestPath(src, dst string, weight WeightFunc, filter EdgeFilter) []*roadnet.BaseReference {
	if src == dst || !s.HasNode(src) || !s.HasNode(dst) {
		return nil
	}
	if weight == nil {
		weight = LengthWeight
	}

	type arc struct{ from, to int64 }
	best := make(map[arc]*roadnet.BaseReference)
	bestW := make(map[arc]float64)
	for _, id := range sortedRefIDs(s.refs) {
		r := s.refs[id]
		if filter != nil && !filter(r) {
			continue
		}
		a := arc{s.index[r.FromIntersectionID], s.index[r.ToIntersectionID]}
		if a.from == a.to {
			continue
		}
		w := weight(r)
		if math.IsNaN(w) || math.IsInf(w, 0) {
			continue
		}
		w = math.Max(w, 0)
		cur, ok := best[a]
		if !ok || w < bestW[a] || (w == bestW[a] && r.Less(cur)) {
			best[a] = r
			bestW[a] = w
		}
	}

	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	for i := range s.nodes {
		g.AddNode(simple.Node(int64(i)))
	}
	for a, w := range bestW {
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(a.from), simple.Node(a.to), w))
	}

	nodes, _ := path.DijkstraFrom(simple.Node(s.index[src]), g).To(s.index[dst])
	if len(nodes) < 2 {
		return nil
	}
	chain := make([]*roadnet.BaseReference, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		chain = append(chain, best[arc{nodes[i-1].ID(), nodes[i].ID()}])
	}
	return chain
}

// ChainLength sums the lengths of a chain.
func ChainLength(chain []*roadnet.BaseReference) float64 {
	total := 0.0
	for _, r := range chain {
		total += r.LengthKm
	}
	return total
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedRefIDs(refs map[string]*roadnet.BaseReference) []string {
	out := make([]string, 0, len(refs))
	for k := range refs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
