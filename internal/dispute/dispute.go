// Package dispute reconciles the chosen matches of every path of a target
// map into one conflict-free assignment per reference section.
//
// Claims live in an arena and are only ever shrunk, merged or dropped. Each
// pass recomputes the disputes (clusters of same-reference claims from
// different claimants overlapping by more than roadnet.Epsilon) and applies
// the rules in order; passes repeat until nothing changes. Disputes that no
// rule can settle are reported and their claims left unassigned.
package dispute

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/conflation/internal/monitoring"
	"github.com/banshee-data/conflation/internal/roadnet"
)

// DefaultResidueKm is the overlap length below which the lower path id wins
// outright.
const DefaultResidueKm = 0.001

// maxPasses bounds the loop should a rule ever fail to make progress while
// reporting a change.
const maxPasses = 10000

// Input is the full claim set of one target map.
type Input struct {
	Matches []roadnet.ChosenMatch
	// ReferenceLengths maps reference ids to LengthKm. Missing references
	// take the furthest claimed section end as their length.
	ReferenceLengths map[string]float64
	// Bidirectional marks edges drawn once for both directions.
	Bidirectional map[int64]bool
	// ResidueKm overrides DefaultResidueKm when positive.
	ResidueKm float64
}

// Dispute is an unresolved cluster of claims on one reference.
type Dispute struct {
	BaseReferenceID string
	Start           float64
	End             float64
	Claims          []roadnet.ChosenMatch
}

func (d Dispute) String() string {
	return fmt.Sprintf("ref=%s [%.5f,%.5f] claims=%d", d.BaseReferenceID, d.Start, d.End, len(d.Claims))
}

// Result is the resolved assignment.
type Result struct {
	// Assigned is sorted by reference, then section start.
	Assigned   []roadnet.AssignedMatch
	Unresolved []Dispute
	Passes     int
}

type claimant struct {
	path    int64
	edge    int64
	forward bool
}

type claim struct {
	m     roadnet.ChosenMatch
	start float64
	end   float64
	alive bool
}

func (c *claim) who() claimant {
	return claimant{c.m.TargetMapPathID, c.m.EdgeID, c.m.IsForward}
}

func (c *claim) length() float64 { return c.end - c.start }

// engine holds the arena for one resolution.
type engine struct {
	claims  []*claim
	lengths map[string]float64
	bidi    map[int64]bool
	residue float64
}

// Resolve settles every dispute it can and returns the assignment.
func Resolve(in Input) *Result {
	e := &engine{
		lengths: make(map[string]float64),
		bidi:    in.Bidirectional,
		residue: in.ResidueKm,
	}
	if e.residue <= 0 {
		e.residue = DefaultResidueKm
	}
	for _, m := range in.Matches {
		start, end := m.SectionStart, m.SectionEnd
		if end < start {
			start, end = end, start
		}
		e.claims = append(e.claims, &claim{m: m, start: start, end: end, alive: end-start > roadnet.Epsilon})
		if end > e.lengths[m.BaseReferenceID] {
			e.lengths[m.BaseReferenceID] = end
		}
	}
	for id, l := range in.ReferenceLengths {
		e.lengths[id] = l
	}

	res := &Result{}
	for res.Passes < maxPasses {
		res.Passes++
		changed := e.mergeDuplicates()
		disputes := e.disputes()
		if len(disputes) == 0 && !changed {
			break
		}
		if !changed {
			changed = e.preferSurvivingDirection(disputes)
		}
		if !changed {
			changed = e.preferAnchored(disputes)
		}
		if !changed {
			changed = e.settleResidue(disputes)
		}
		if !changed {
			res.Unresolved = e.report(disputes)
			break
		}
	}
	if res.Passes == maxPasses {
		monitoring.Logf("[Dispute] stopped after %d passes without reaching a fixed point", maxPasses)
		res.Unresolved = e.report(e.disputes())
	}

	unassigned := make(map[*claim]struct{})
	for _, cluster := range e.disputes() {
		for _, c := range cluster {
			unassigned[c] = struct{}{}
		}
	}
	for _, c := range e.claims {
		if !c.alive {
			continue
		}
		if _, ok := unassigned[c]; ok {
			continue
		}
		res.Assigned = append(res.Assigned, roadnet.AssignedMatch{
			BaseReferenceID: c.m.BaseReferenceID,
			TargetMapEdgeID: c.m.EdgeID,
			TargetMapPathID: c.m.TargetMapPathID,
			IsForward:       c.m.IsForward,
			SectionStart:    c.start,
			SectionEnd:      c.end,
		})
	}
	SortAssigned(res.Assigned)
	return res
}

// SortAssigned orders assignments by reference, start, edge and path.
func SortAssigned(as []roadnet.AssignedMatch) {
	sort.Slice(as, func(i, j int) bool {
		a, b := as[i], as[j]
		if a.BaseReferenceID != b.BaseReferenceID {
			return a.BaseReferenceID < b.BaseReferenceID
		}
		if a.SectionStart != b.SectionStart {
			return a.SectionStart < b.SectionStart
		}
		if a.TargetMapEdgeID != b.TargetMapEdgeID {
			return a.TargetMapEdgeID < b.TargetMapEdgeID
		}
		return a.TargetMapPathID < b.TargetMapPathID
	})
}

// FromAssigned turns assignments back into claims, so a resolved set can be
// fed through Resolve again.
func FromAssigned(targetMap string, as []roadnet.AssignedMatch) []roadnet.ChosenMatch {
	out := make([]roadnet.ChosenMatch, len(as))
	for i, a := range as {
		out[i] = roadnet.ChosenMatch{
			TargetMapID:     targetMap,
			TargetMapPathID: a.TargetMapPathID,
			EdgeID:          a.TargetMapEdgeID,
			IsForward:       a.IsForward,
			BaseReferenceID: a.BaseReferenceID,
			SectionStart:    a.SectionStart,
			SectionEnd:      a.SectionEnd,
		}
	}
	return out
}

// byReference groups the live claims per reference, each group sorted by
// start then claimant.
func (e *engine) byReference() ([]string, map[string][]*claim) {
	groups := make(map[string][]*claim)
	for _, c := range e.claims {
		if c.alive {
			groups[c.m.BaseReferenceID] = append(groups[c.m.BaseReferenceID], c)
		}
	}
	refs := make([]string, 0, len(groups))
	for ref, cs := range groups {
		refs = append(refs, ref)
		sort.SliceStable(cs, func(i, j int) bool { return lessClaim(cs[i], cs[j]) })
	}
	sort.Strings(refs)
	return refs, groups
}

func lessClaim(a, b *claim) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	if a.m.TargetMapPathID != b.m.TargetMapPathID {
		return a.m.TargetMapPathID < b.m.TargetMapPathID
	}
	if a.m.EdgeID != b.m.EdgeID {
		return a.m.EdgeID < b.m.EdgeID
	}
	return a.m.IsForward && !b.m.IsForward
}

func overlapLen(a, b *claim) float64 {
	return math.Min(a.end, b.end) - math.Max(a.start, b.start)
}

// disputes returns the clusters of live claims linked by overlaps between
// different claimants. Clusters are ordered by reference then start.
func (e *engine) disputes() [][]*claim {
	refs, groups := e.byReference()
	var out [][]*claim
	for _, ref := range refs {
		cs := groups[ref]
		parent := make([]int, len(cs))
		for i := range parent {
			parent[i] = i
		}
		var find func(int) int
		find = func(i int) int {
			for parent[i] != i {
				parent[i] = parent[parent[i]]
				i = parent[i]
			}
			return i
		}
		linked := make([]bool, len(cs))
		for i := range cs {
			for j := i + 1; j < len(cs); j++ {
				if cs[j].start >= cs[i].end {
					break
				}
				if cs[i].who() == cs[j].who() || overlapLen(cs[i], cs[j]) <= roadnet.Epsilon {
					continue
				}
				parent[find(j)] = find(i)
				linked[i], linked[j] = true, true
			}
		}
		clusters := make(map[int][]*claim)
		var roots []int
		for i, c := range cs {
			if !linked[i] {
				continue
			}
			r := find(i)
			if _, ok := clusters[r]; !ok {
				roots = append(roots, r)
			}
			clusters[r] = append(clusters[r], c)
		}
		for _, r := range roots {
			out = append(out, clusters[r])
		}
	}
	return out
}

// mergeDuplicates folds overlapping claims of the same edge and direction
// into the one from the lowest path id, widening it to the union.
func (e *engine) mergeDuplicates() bool {
	changed := false
	refs, groups := e.byReference()
	for _, ref := range refs {
		cs := groups[ref]
		for i := range cs {
			if !cs[i].alive {
				continue
			}
			for j := range cs {
				a, b := cs[i], cs[j]
				if i == j || !b.alive || a.m.EdgeID != b.m.EdgeID || a.m.IsForward != b.m.IsForward {
					continue
				}
				if overlapLen(a, b) <= roadnet.Epsilon {
					continue
				}
				keep, drop := a, b
				if b.m.TargetMapPathID < a.m.TargetMapPathID {
					keep, drop = b, a
				}
				keep.start = math.Min(keep.start, drop.start)
				keep.end = math.Max(keep.end, drop.end)
				drop.alive = false
				changed = true
			}
		}
	}
	return changed
}

// preferSurvivingDirection drops disputed claims of a bidirectional edge in
// a direction the edge holds no undisputed claim in, provided it holds
// undisputed claims in the other.
func (e *engine) preferSurvivingDirection(disputes [][]*claim) bool {
	if len(e.bidi) == 0 {
		return false
	}
	disputed := make(map[*claim]struct{})
	for _, d := range disputes {
		for _, c := range d {
			disputed[c] = struct{}{}
		}
	}
	dirs := make(map[int64]map[bool]struct{})
	for _, c := range e.claims {
		if _, ok := disputed[c]; ok || !c.alive || !e.bidi[c.m.EdgeID] {
			continue
		}
		if dirs[c.m.EdgeID] == nil {
			dirs[c.m.EdgeID] = make(map[bool]struct{})
		}
		dirs[c.m.EdgeID][c.m.IsForward] = struct{}{}
	}

	changed := false
	for _, d := range disputes {
		for _, c := range d {
			if !e.bidi[c.m.EdgeID] || len(dirs[c.m.EdgeID]) != 1 {
				continue
			}
			if _, ok := dirs[c.m.EdgeID][c.m.IsForward]; ok {
				continue
			}
			c.alive = false
			changed = true
		}
	}
	return changed
}

// preferAnchored settles overlapping pairs by which claim may move. A
// boundary is free when it is not a reference endpoint; a claim is
// trimmable when a free boundary lies in the overlap. A lone trimmable
// claim gives way to the other; two trimmable claims overhanging on
// opposite sides split the overlap at its midpoint; otherwise the one
// contained in the other gives way.
func (e *engine) preferAnchored(disputes [][]*claim) bool {
	changed := false
	for _, d := range disputes {
		for i := range d {
			for j := i + 1; j < len(d); j++ {
				a, b := d[i], d[j]
				if !a.alive || !b.alive || a.who() == b.who() {
					continue
				}
				if overlapLen(a, b) <= roadnet.Epsilon {
					continue
				}
				if e.settlePair(a, b) {
					changed = true
				}
			}
		}
	}
	return changed
}

func (e *engine) settlePair(a, b *claim) bool {
	os, oe := math.Max(a.start, b.start), math.Min(a.end, b.end)
	ta, tb := e.trimmable(a, os, oe), e.trimmable(b, os, oe)
	switch {
	case ta && !tb:
		trim(a, os, oe)
		return true
	case tb && !ta:
		trim(b, os, oe)
		return true
	case !ta && !tb:
		return false
	}

	left, right := a, b
	if b.start < a.start || (b.start == a.start && b.end < a.end) {
		left, right = b, a
	}
	if left.start < os-roadnet.Epsilon && right.end > oe+roadnet.Epsilon {
		mid := (os + oe) / 2
		left.end = mid
		right.start = mid
		return true
	}
	aIn := a.start >= os-roadnet.Epsilon && a.end <= oe+roadnet.Epsilon
	bIn := b.start >= os-roadnet.Epsilon && b.end <= oe+roadnet.Epsilon
	switch {
	case aIn && !bIn:
		a.alive = false
		return true
	case bIn && !aIn:
		b.alive = false
		return true
	}
	return false
}

// trimmable reports whether c has a free boundary inside [os, oe].
func (e *engine) trimmable(c *claim, os, oe float64) bool {
	l := e.lengths[c.m.BaseReferenceID]
	free := func(x float64) bool {
		return x > roadnet.Epsilon && x < l-roadnet.Epsilon
	}
	in := func(x float64) bool {
		return x >= os-roadnet.Epsilon && x <= oe+roadnet.Epsilon
	}
	return (in(c.start) && free(c.start)) || (in(c.end) && free(c.end))
}

// trim removes [os, oe] from c, dropping it when nothing useful is left.
func trim(c *claim, os, oe float64) {
	switch {
	case c.start >= os-roadnet.Epsilon && c.end <= oe+roadnet.Epsilon:
		c.alive = false
		return
	case c.start >= os-roadnet.Epsilon:
		c.start = oe
	case c.end <= oe+roadnet.Epsilon:
		c.end = os
	default:
		// The overlap sits strictly inside c; keep the longer side.
		if os-c.start >= c.end-oe {
			c.end = os
		} else {
			c.start = oe
		}
	}
	if c.length() <= roadnet.Epsilon {
		c.alive = false
	}
}

// settleResidue resolves overlaps no longer than the residue threshold in
// favour of the lower path id.
func (e *engine) settleResidue(disputes [][]*claim) bool {
	changed := false
	for _, d := range disputes {
		for i := range d {
			for j := i + 1; j < len(d); j++ {
				a, b := d[i], d[j]
				if !a.alive || !b.alive || a.who() == b.who() {
					continue
				}
				ol := overlapLen(a, b)
				if ol <= roadnet.Epsilon || ol > e.residue {
					continue
				}
				loser := b
				if b.m.TargetMapPathID < a.m.TargetMapPathID ||
					(b.m.TargetMapPathID == a.m.TargetMapPathID && lessClaim(b, a)) {
					loser = a
				}
				trim(loser, math.Max(a.start, b.start), math.Min(a.end, b.end))
				changed = true
			}
		}
	}
	return changed
}

func (e *engine) report(disputes [][]*claim) []Dispute {
	out := make([]Dispute, 0, len(disputes))
	for _, cs := range disputes {
		d := Dispute{BaseReferenceID: cs[0].m.BaseReferenceID, Start: math.Inf(1), End: math.Inf(-1)}
		for _, c := range cs {
			m := c.m
			m.SectionStart, m.SectionEnd = c.start, c.end
			d.Claims = append(d.Claims, m)
			d.Start = math.Min(d.Start, c.start)
			d.End = math.Max(d.End, c.end)
		}
		monitoring.Logf("[Dispute] unresolved: %s", d)
		out = append(out, d)
	}
	return out
}
