// Package report renders the outcome of a conflation run: a JSON summary,
// histograms of per-edge length ratios and snap deviations, an HTML chart
// page and a GeoJSON layer of the assigned sections.
package report

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/pipeline"
	"github.com/banshee-data/conflation/internal/roadnet"
)

// Input is everything a report is built from. Paths is empty when the
// report is made from stored results rather than a batch just run.
type Input struct {
	TargetMap  string
	Run        *db.ConflationRun
	Paths      []*pipeline.PathResult
	Assigned   []roadnet.AssignedMatch
	Disputes   []db.DisputeReport
	References map[string]*roadnet.BaseReference
	Now        time.Time
}

// Distribution summarises a sample.
type Distribution struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

// ReferenceCoverage is how much of one reference the assigned matches cover.
type ReferenceCoverage struct {
	ReferenceID string  `json:"reference_id"`
	LengthKm    float64 `json:"length_km"`
	AssignedKm  float64 `json:"assigned_km"`
	Fraction    float64 `json:"fraction"`
	Claimants   int     `json:"claimants"`
}

// Summary is the report body.
type Summary struct {
	TargetMap   string            `json:"target_map"`
	GeneratedAt time.Time         `json:"generated_at"`
	Run         *db.ConflationRun `json:"run,omitempty"`

	Paths         int                       `json:"paths"`
	Strategies    map[pipeline.Strategy]int `json:"strategies"`
	HullFallbacks int                       `json:"hull_fallbacks"`
	ChosenMatches int                       `json:"chosen_matches"`

	Assigned   int     `json:"assigned"`
	AssignedKm float64 `json:"assigned_km"`
	Unresolved int     `json:"unresolved"`
	DisputedKm float64 `json:"disputed_km"`

	LengthRatios []float64    `json:"-"`
	Deviations   []float64    `json:"-"`
	LengthRatio  Distribution `json:"length_ratio"`
	Deviation    Distribution `json:"deviation_km"`

	Coverage []ReferenceCoverage `json:"coverage"`
}

// Build computes the summary.
func Build(in Input) *Summary {
	s := &Summary{
		TargetMap:   in.TargetMap,
		GeneratedAt: in.Now,
		Run:         in.Run,
		Paths:       len(in.Paths),
		Strategies:  make(map[pipeline.Strategy]int),
		Assigned:    len(in.Assigned),
		Unresolved:  len(in.Disputes),
	}
	for _, p := range in.Paths {
		s.Strategies[p.Strategy]++
		s.ChosenMatches += len(p.Matches)
		if p.HullFallback {
			s.HullFallbacks++
		}
		if p.Axiomatic != nil {
			s.LengthRatios = append(s.LengthRatios, p.Axiomatic.LengthRatios...)
		}
		for _, d := range []*pipeline.DirectionResult{p.Forward, p.Backward} {
			if d != nil && d.Rejected == "" {
				s.Deviations = append(s.Deviations, d.Deviations...)
			}
		}
	}
	s.LengthRatio = distribution(s.LengthRatios)
	s.Deviation = distribution(s.Deviations)

	for _, d := range in.Disputes {
		s.DisputedKm += d.SectionEnd - d.SectionStart
	}
	s.Coverage = coverage(in.Assigned, in.References)
	for _, c := range s.Coverage {
		s.AssignedKm += c.AssignedKm
	}
	return s
}

func distribution(xs []float64) Distribution {
	if len(xs) == 0 {
		return Distribution{}
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return Distribution{
		Count:  len(sorted),
		Mean:   stat.Mean(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:    stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Max:    floats.Max(sorted),
	}
}

// coverage sums the assigned km per reference. References missing from refs
// take the furthest assigned section end as their length.
func coverage(assigned []roadnet.AssignedMatch, refs map[string]*roadnet.BaseReference) []ReferenceCoverage {
	byRef := make(map[string]*ReferenceCoverage)
	claimants := make(map[string]map[int64]struct{})
	for _, a := range assigned {
		c := byRef[a.BaseReferenceID]
		if c == nil {
			c = &ReferenceCoverage{ReferenceID: a.BaseReferenceID}
			if r := refs[a.BaseReferenceID]; r != nil {
				c.LengthKm = r.LengthKm
			}
			byRef[a.BaseReferenceID] = c
			claimants[a.BaseReferenceID] = make(map[int64]struct{})
		}
		c.AssignedKm += a.SectionEnd - a.SectionStart
		claimants[a.BaseReferenceID][a.TargetMapPathID] = struct{}{}
		if refs[a.BaseReferenceID] == nil {
			c.LengthKm = math.Max(c.LengthKm, a.SectionEnd)
		}
	}

	out := make([]ReferenceCoverage, 0, len(byRef))
	for id, c := range byRef {
		c.Claimants = len(claimants[id])
		if c.LengthKm > 0 {
			c.Fraction = math.Min(1, c.AssignedKm/c.LengthKm)
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceID < out[j].ReferenceID })
	return out
}
