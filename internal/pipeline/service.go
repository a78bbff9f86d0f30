// Package pipeline runs the conflation stages for single paths and whole
// target maps, and persists their results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/conflation/internal/axiomatic"
	"github.com/banshee-data/conflation/internal/chain"
	"github.com/banshee-data/conflation/internal/config"
	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/dispute"
	"github.com/banshee-data/conflation/internal/divvy"
	"github.com/banshee-data/conflation/internal/geom"
	"github.com/banshee-data/conflation/internal/rawmatch"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/timeutil"
	"github.com/banshee-data/conflation/internal/vicinity"
)

// ErrUnknownTargetMap is returned for operations on a target map that has
// not been loaded.
var ErrUnknownTargetMap = errors.New("unknown target map")

// Store is the persistence the service needs. *db.DB implements it.
type Store interface {
	vicinity.Store
	rawmatch.ReferenceSource

	GetTargetMap(ctx context.Context, id string) (*roadnet.TargetMap, error)
	GetTargetMapPathIDs(ctx context.Context, targetMap string) ([]int64, error)
	GetAllTargetMapEdges(ctx context.Context, targetMap string) ([]*roadnet.TargetMapEdge, error)

	ReplaceRawMatches(ctx context.Context, targetMap string, ms []*roadnet.RawMatch) error
	InsertChosenMatches(ctx context.Context, targetMap string, pathID int64, runID string, ms []roadnet.ChosenMatch) error
	BulkInsertChosenMatches(ctx context.Context, targetMap, runID string, ms []roadnet.ChosenMatch) error
	ResolveAndReplace(ctx context.Context, targetMap, runID string, resolve db.ResolveFunc) ([]roadnet.AssignedMatch, []db.DisputeReport, error)
	GetAssignedMatches(ctx context.Context, targetMap string) ([]roadnet.AssignedMatch, error)
	GetDisputeReports(ctx context.Context, targetMap string) ([]db.DisputeReport, error)

	StartRun(ctx context.Context, targetMap string, startedAt time.Time) (string, error)
	FinishRun(ctx context.Context, run *db.ConflationRun, finishedAt time.Time, runErr error) error
}

// Strategy names how a path's chosen matches were produced.
type Strategy string

const (
	StrategyChain     Strategy = "chain"
	StrategyAxiomatic Strategy = "axiomatic"
	StrategySkipped   Strategy = "skipped"
)

// DirectionResult describes the chain hypothesis for one direction.
type DirectionResult struct {
	Direction    string    `json:"direction"`
	Source       string    `json:"source,omitempty"`
	Sink         string    `json:"sink,omitempty"`
	References   []string  `json:"references,omitempty"`
	Score        float64   `json:"score"`
	Considered   int       `json:"considered"`
	MaxDeviation float64   `json:"max_deviation_km"`
	Deviations   []float64 `json:"deviations_km,omitempty"`
	Matches      int       `json:"matches"`

	// Rejected explains why the direction produced no matches.
	Rejected string `json:"rejected,omitempty"`
}

// AxiomaticSummary is the metadata of an axiomatic run.
type AxiomaticSummary struct {
	TotalMatchedKm float64   `json:"total_matched_km"`
	LengthRatios   []float64 `json:"length_ratios"`
	Iterations     int       `json:"iterations"`
	Steps          int       `json:"steps"`
	AxiomaticEdges int       `json:"axiomatic_edges"`
	UnchosenEdges  int       `json:"unchosen_edges"`
}

// PathResult is one path's chosen matches with diagnostics.
type PathResult struct {
	TargetMapID  string                `json:"target_map"`
	PathID       int64                 `json:"path_id"`
	Strategy     Strategy              `json:"strategy"`
	Matches      []roadnet.ChosenMatch `json:"matches"`
	Forward      *DirectionResult      `json:"forward,omitempty"`
	Backward     *DirectionResult      `json:"backward,omitempty"`
	Axiomatic    *AxiomaticSummary     `json:"axiomatic,omitempty"`
	HullFallback bool                  `json:"hull_fallback"`
	References   int                   `json:"references"`
	Skipped      string                `json:"skipped,omitempty"`
	Duration     time.Duration         `json:"duration_ns"`
}

// EdgeMatches is one path edge with its raw matches.
type EdgeMatches struct {
	PathEdgeIdx int                    `json:"path_edge_idx"`
	Edge        *roadnet.TargetMapEdge `json:"edge"`
	Matches     []*roadnet.RawMatch    `json:"matches"`
}

// ResolveResult is the outcome of dispute resolution over a target map.
type ResolveResult struct {
	Assigned   []roadnet.AssignedMatch `json:"assigned"`
	Unresolved []db.DisputeReport      `json:"unresolved"`
	Passes     int                     `json:"passes"`
}

// BatchResult summarises RunTargetMap.
type BatchResult struct {
	Run     *db.ConflationRun `json:"run"`
	Paths   []*PathResult     `json:"paths"`
	Resolve *ResolveResult    `json:"resolve"`
}

// Service is the conflation entry point.
type Service struct {
	store   Store
	cfg     *config.ConflationConfig
	logger  *zap.Logger
	clock   timeutil.Clock
	matcher rawmatch.Matcher
	builder *vicinity.Builder
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock sets the clock used for timings and the watchdog.
func WithClock(c timeutil.Clock) Option { return func(s *Service) { s.clock = c } }

// WithMatcher replaces the default proximity matcher.
func WithMatcher(m rawmatch.Matcher) Option { return func(s *Service) { s.matcher = m } }

// NewService returns a service over store. A nil cfg uses every default.
func NewService(store Store, cfg *config.ConflationConfig, opts ...Option) *Service {
	if cfg == nil {
		cfg = &config.ConflationConfig{}
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  timeutil.RealClock{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.matcher == nil {
		s.matcher = rawmatch.NewProximityMatcher(store, cfg.GetMatchToleranceKm(), cfg.GetWorkers())
	}
	s.builder = vicinity.NewBuilder(store, cfg.GetBufferKm())
	return s
}

func (s *Service) chainOptions() chain.Options {
	return chain.Options{
		Candidates:    s.cfg.GetCandidates(),
		ClipRadiusKm:  s.cfg.GetClipRadiusKm(),
		DistanceCapKm: s.cfg.GetDistanceCapKm(),
		EndAreaKm:     s.cfg.GetEndAreaKm(),
		WindowKm:      s.cfg.GetWindowKm(),
	}
}

func (s *Service) thresholds() axiomatic.Thresholds {
	return axiomatic.Thresholds{
		MinLengthKm:           s.cfg.GetMinLengthKm(),
		MinLengthFloorKm:      s.cfg.GetMinLengthFloorKm(),
		RatioDeviation:        s.cfg.GetRatioDeviation(),
		RatioDeviationCeiling: s.cfg.GetRatioDeviationCeiling(),
		GapKm:                 s.cfg.GetGapKm(),
		GapCeilingKm:          s.cfg.GetGapCeilingKm(),
	}
}

func (s *Service) targetMap(ctx context.Context, id string) (*roadnet.TargetMap, error) {
	tm, err := s.store.GetTargetMap(ctx, id)
	if err != nil {
		return nil, err
	}
	if tm == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownTargetMap)
	}
	return tm, nil
}

// MatchEntireTargetMap clears the target map's raw matches and recomputes
// them with the service's matcher. It returns the number stored.
func (s *Service) MatchEntireTargetMap(ctx context.Context, targetMap string) (int, error) {
	tm, err := s.targetMap(ctx, targetMap)
	if err != nil {
		return 0, err
	}
	edges, err := s.store.GetAllTargetMapEdges(ctx, tm.ID)
	if err != nil {
		return 0, err
	}
	start := s.clock.Now()
	ms, err := s.matcher.Match(ctx, tm, edges)
	if err != nil {
		return 0, fmt.Errorf("failed to match %s: %w", tm.ID, err)
	}
	if err := s.store.ReplaceRawMatches(ctx, tm.ID, ms); err != nil {
		return 0, err
	}
	s.logger.Info("raw matches replaced",
		zap.String("target_map", tm.ID),
		zap.Int("edges", len(edges)),
		zap.Int("matches", len(ms)),
		zap.Duration("elapsed", s.clock.Since(start)))
	return len(ms), nil
}

// GetTargetMapPathMatches returns the path's edges in path order, each with
// its raw matches.
func (s *Service) GetTargetMapPathMatches(ctx context.Context, targetMap string, pathID int64) ([]EdgeMatches, error) {
	p, err := s.store.GetTargetMapPath(ctx, targetMap, pathID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("path %d: %w", pathID, vicinity.ErrEmptyPath)
	}
	edges, err := s.store.GetTargetMapEdges(ctx, targetMap, p.EdgeIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*roadnet.TargetMapEdge, len(edges))
	for _, e := range edges {
		byID[e.ID] = e
	}
	raw, err := s.store.GetRawMatchesForEdges(ctx, targetMap, p.EdgeIDs)
	if err != nil {
		return nil, err
	}
	byEdge := make(map[int64][]*roadnet.RawMatch)
	for _, m := range raw {
		byEdge[m.TargetMapEdgeID] = append(byEdge[m.TargetMapEdgeID], m)
	}

	out := make([]EdgeMatches, 0, len(p.EdgeIDs))
	for i, id := range p.EdgeIDs {
		e := byID[id]
		if e == nil {
			continue
		}
		out = append(out, EdgeMatches{PathEdgeIdx: i, Edge: e, Matches: byEdge[id]})
	}
	return out, nil
}

// RunConflation computes one path's chosen matches and stores them in place
// of the path's previous result.
func (s *Service) RunConflation(ctx context.Context, targetMap string, pathID int64) (*PathResult, error) {
	tm, err := s.targetMap(ctx, targetMap)
	if err != nil {
		return nil, err
	}
	res, err := s.conflatePath(ctx, tm, pathID)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertChosenMatches(ctx, tm.ID, pathID, "", res.Matches); err != nil {
		return nil, err
	}
	return res, nil
}

// conflatePath runs the per-path stages without writing anything.
// Geometry failures skip the path; only store errors are returned.
func (s *Service) conflatePath(ctx context.Context, tm *roadnet.TargetMap, pathID int64) (*PathResult, error) {
	start := s.clock.Now()
	res := &PathResult{TargetMapID: tm.ID, PathID: pathID}
	log := s.logger.With(zap.String("target_map", tm.ID), zap.Int64("path_id", pathID))

	v, err := s.builder.Build(ctx, tm, pathID)
	if err != nil {
		if errors.Is(err, geom.ErrDegenerate) || errors.Is(err, vicinity.ErrEmptyPath) {
			log.Warn("path skipped", zap.Error(err))
			res.Strategy = StrategySkipped
			res.Skipped = err.Error()
			res.Duration = s.clock.Since(start)
			return res, nil
		}
		return nil, fmt.Errorf("path %d: %w", pathID, err)
	}
	res.HullFallback = v.HullFallback
	res.References = len(v.References)

	found := chain.NewSearcher(v, s.chainOptions()).Search()
	s.applyChains(res, tm, v, found, log)

	res.Duration = s.clock.Since(start)
	log.Debug("path conflated",
		zap.String("strategy", string(res.Strategy)),
		zap.Int("matches", len(res.Matches)),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}

// applyChains divvies each direction the map carries: forward always,
// backward too on centerline maps. Each direction succeeds or fails on its
// own. The axiomatic chooser runs only when no direction yields matches.
func (s *Service) applyChains(res *PathResult, tm *roadnet.TargetMap, v *vicinity.Vicinity, found *chain.Result, log *zap.Logger) {
	fwd, fwdMatches := s.divvyDirection(tm, v, found, chain.Forward)
	res.Forward = fwd
	res.Matches = fwdMatches
	if tm.IsCenterline {
		bwd, bwdMatches := s.divvyDirection(tm, v, found, chain.Backward)
		res.Backward = bwd
		res.Matches = append(res.Matches, bwdMatches...)
	}
	if len(res.Matches) > 0 {
		res.Strategy = StrategyChain
		return
	}

	fields := []zap.Field{zap.String("forward", res.Forward.Rejected)}
	if res.Backward != nil {
		fields = append(fields, zap.String("backward", res.Backward.Rejected))
	}
	log.Debug("falling back to axiomatic chooser", fields...)
	res.Strategy = StrategyAxiomatic
	res.Matches, res.Axiomatic = s.chooseAxiomatic(tm, v, v.Path.ID)
}

// divvyDirection turns one direction's chain into chosen matches. A nil
// slice means the direction yielded no hypothesis; the result says why.
func (s *Service) divvyDirection(tm *roadnet.TargetMap, v *vicinity.Vicinity, found *chain.Result, dir chain.Direction) (*DirectionResult, []roadnet.ChosenMatch) {
	dr := &DirectionResult{Direction: dir.String(), Considered: found.Considered[dir]}
	c := found.Forward
	if dir == chain.Backward {
		c = found.Backward
	}
	if c == nil {
		dr.Rejected = "no chain"
		return dr, nil
	}
	dr.Source, dr.Sink, dr.Score = c.Source, c.Sink, c.Score
	for _, r := range c.References {
		dr.References = append(dr.References, r.ID)
	}
	if c.Score > s.cfg.GetMaxChainScore() {
		dr.Rejected = fmt.Sprintf("score %.5f above %.5f", c.Score, s.cfg.GetMaxChainScore())
		return dr, nil
	}

	out, err := divvy.Divvy(divvy.Input{
		TargetMapID: tm.ID,
		PathID:      v.Path.ID,
		Chain:       c.References,
		Edges:       v.Edges,
		Forward:     dir == chain.Forward,
	})
	if err != nil {
		dr.Rejected = err.Error()
		s.logger.Info("direction discarded",
			zap.String("target_map", tm.ID),
			zap.Int64("path_id", v.Path.ID),
			zap.String("direction", dr.Direction),
			zap.Error(err))
		return dr, nil
	}
	dr.MaxDeviation = out.MaxDeviation
	dr.Deviations = out.Deviations
	dr.Matches = len(out.Matches)
	if len(out.Matches) == 0 {
		dr.Rejected = "chain does not cover path"
		return dr, nil
	}
	return dr, out.Matches
}

func (s *Service) chooseAxiomatic(tm *roadnet.TargetMap, v *vicinity.Vicinity, pathID int64) ([]roadnet.ChosenMatch, *AxiomaticSummary) {
	edges := make([]axiomatic.EdgeMatches, len(v.Edges))
	for i, e := range v.Edges {
		edges[i] = axiomatic.EdgeMatches{Edge: e, Matches: v.RawMatches[e.ID]}
	}
	r := axiomatic.Choose(edges, v.Reference, s.thresholds())

	sum := &AxiomaticSummary{
		TotalMatchedKm: r.TotalMatchedKm,
		LengthRatios:   r.LengthRatios,
		Iterations:     r.Iterations,
		Steps:          r.Steps,
		AxiomaticEdges: r.AxiomaticCount(),
	}
	for _, c := range r.Choices {
		if c == nil {
			sum.UnchosenEdges++
		}
	}
	return r.ChosenMatches(tm.ID, pathID), sum
}

// RunTargetMap conflates every path of the target map in the worker pool,
// replaces the stored chosen matches in one transaction and resolves
// disputes. Failed paths are counted and skipped; store errors abort the
// batch and mark the run failed.
func (s *Service) RunTargetMap(ctx context.Context, targetMap string) (*BatchResult, error) {
	tm, err := s.targetMap(ctx, targetMap)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.GetTargetMapPathIDs(ctx, tm.ID)
	if err != nil {
		return nil, err
	}
	runID, err := s.store.StartRun(ctx, tm.ID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	run := &db.ConflationRun{RunID: runID, TargetMap: tm.ID, PathsTotal: len(ids)}
	log := s.logger.With(zap.String("target_map", tm.ID), zap.String("run_id", runID))
	log.Info("conflation run started", zap.Int("paths", len(ids)), zap.Int("workers", s.cfg.GetWorkers()))

	batch, err := s.runBatch(ctx, tm, run, ids, log)
	if ferr := s.store.FinishRun(context.WithoutCancel(ctx), run, s.clock.Now(), err); ferr != nil {
		log.Error("failed to record run", zap.Error(ferr))
	}
	if err != nil {
		log.Error("conflation run failed", zap.Error(err))
		return nil, err
	}
	log.Info("conflation run finished",
		zap.Int("paths_failed", run.PathsFailed),
		zap.Int("chosen", run.ChosenCount),
		zap.Int("assigned", run.AssignedCount),
		zap.Int("disputes", run.DisputesCount))
	return batch, nil
}

func (s *Service) runBatch(ctx context.Context, tm *roadnet.TargetMap, run *db.ConflationRun, ids []int64, log *zap.Logger) (*BatchResult, error) {
	wd := NewWatchdog(s.clock, s.cfg.GetStaleAfter(), func(idle time.Duration) {
		log.Warn("no path completed recently", zap.Duration("idle", idle))
	})
	wdCtx, stop := context.WithCancel(ctx)
	defer stop()
	go wd.Run(wdCtx)

	batch := &BatchResult{Run: run}
	var chosen []roadnet.ChosenMatch
	pool := NewPool(s.cfg.GetWorkers(), log)
	for msg := range pool.Run(ctx, ids, func(ctx context.Context, id int64) (*PathResult, error) {
		return s.conflatePath(ctx, tm, id)
	}) {
		wd.Beat()
		if msg.Err != nil {
			run.PathsFailed++
			log.Warn("path failed", zap.Int64("path_id", msg.PathID), zap.Error(msg.Err))
			continue
		}
		if msg.Result.Strategy == StrategySkipped {
			run.PathsFailed++
		}
		batch.Paths = append(batch.Paths, msg.Result)
		chosen = append(chosen, msg.Result.Matches...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(batch.Paths, func(i, j int) bool { return batch.Paths[i].PathID < batch.Paths[j].PathID })
	sortChosen(chosen)
	if err := s.store.BulkInsertChosenMatches(ctx, tm.ID, run.RunID, chosen); err != nil {
		return nil, err
	}
	run.ChosenCount = len(chosen)

	rr, err := s.resolve(ctx, tm.ID, run.RunID)
	if err != nil {
		return nil, err
	}
	batch.Resolve = rr
	run.AssignedCount = len(rr.Assigned)
	run.DisputesCount = len(rr.Unresolved)
	return batch, nil
}

// sortChosen orders matches by path, direction, position and reference so
// that pool completion order never reaches the store.
func sortChosen(ms []roadnet.ChosenMatch) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.TargetMapPathID != b.TargetMapPathID {
			return a.TargetMapPathID < b.TargetMapPathID
		}
		if a.IsForward != b.IsForward {
			return a.IsForward
		}
		if a.PathEdgeIdx != b.PathEdgeIdx {
			return a.PathEdgeIdx < b.PathEdgeIdx
		}
		if a.BaseReferenceID != b.BaseReferenceID {
			return a.BaseReferenceID < b.BaseReferenceID
		}
		return a.SectionStart < b.SectionStart
	})
}

// ResolveDisputes resolves the stored chosen matches of the target map into
// assigned matches and dispute reports.
func (s *Service) ResolveDisputes(ctx context.Context, targetMap string) (*ResolveResult, error) {
	tm, err := s.targetMap(ctx, targetMap)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, tm.ID, "")
}

func (s *Service) resolve(ctx context.Context, targetMap, runID string) (*ResolveResult, error) {
	var passes int
	assigned, reports, err := s.store.ResolveAndReplace(ctx, targetMap, runID,
		func(chosen []roadnet.ChosenMatch) ([]roadnet.AssignedMatch, []db.DisputeReport, error) {
			in, err := s.disputeInput(ctx, targetMap, chosen)
			if err != nil {
				return nil, nil, err
			}
			r := dispute.Resolve(in)
			passes = r.Passes
			reports := make([]db.DisputeReport, len(r.Unresolved))
			for i, d := range r.Unresolved {
				reports[i] = db.DisputeReport{
					TargetMap:       targetMap,
					RunID:           runID,
					BaseReferenceID: d.BaseReferenceID,
					SectionStart:    d.Start,
					SectionEnd:      d.End,
					Claims:          d.Claims,
				}
			}
			return r.Assigned, reports, nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve disputes for %s: %w", targetMap, err)
	}

	for _, r := range reports {
		s.logger.Warn("unresolved dispute",
			zap.String("target_map", targetMap),
			zap.String("reference", r.BaseReferenceID),
			zap.Float64("start_km", r.SectionStart),
			zap.Float64("end_km", r.SectionEnd),
			zap.Int("claims", len(r.Claims)))
	}
	s.logger.Info("disputes resolved",
		zap.String("target_map", targetMap),
		zap.Int("assigned", len(assigned)),
		zap.Int("unresolved", len(reports)),
		zap.Int("passes", passes))
	return &ResolveResult{Assigned: assigned, Unresolved: reports, Passes: passes}, nil
}

// disputeInput loads the reference lengths and edge directionality the
// resolution rules need.
func (s *Service) disputeInput(ctx context.Context, targetMap string, chosen []roadnet.ChosenMatch) (dispute.Input, error) {
	refSet := make(map[string]struct{})
	edgeSet := make(map[int64]struct{})
	for _, m := range chosen {
		refSet[m.BaseReferenceID] = struct{}{}
		edgeSet[m.EdgeID] = struct{}{}
	}
	refIDs := make([]string, 0, len(refSet))
	for id := range refSet {
		refIDs = append(refIDs, id)
	}
	edgeIDs := make([]int64, 0, len(edgeSet))
	for id := range edgeSet {
		edgeIDs = append(edgeIDs, id)
	}

	refs, err := s.store.GetBaseReferences(ctx, refIDs)
	if err != nil {
		return dispute.Input{}, err
	}
	edges, err := s.store.GetTargetMapEdges(ctx, targetMap, edgeIDs)
	if err != nil {
		return dispute.Input{}, err
	}

	in := dispute.Input{
		Matches:          chosen,
		ReferenceLengths: make(map[string]float64, len(refs)),
		Bidirectional:    make(map[int64]bool, len(edges)),
		ResidueKm:        s.cfg.GetResidueKm(),
	}
	for _, r := range refs {
		in.ReferenceLengths[r.ID] = r.LengthKm
	}
	for _, e := range edges {
		in.Bidirectional[e.ID] = !e.Unidirectional
	}
	return in, nil
}

// GetAssignedMatches returns the target map's assigned matches.
func (s *Service) GetAssignedMatches(ctx context.Context, targetMap string) ([]roadnet.AssignedMatch, error) {
	return s.store.GetAssignedMatches(ctx, targetMap)
}

// GetDisputeReports returns the disputes left by the last resolution.
func (s *Service) GetDisputeReports(ctx context.Context, targetMap string) ([]db.DisputeReport, error) {
	return s.store.GetDisputeReports(ctx, targetMap)
}
