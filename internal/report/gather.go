package report

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/roadnet"
)

// Source is the stored state a report reads.
type Source interface {
	GetAssignedMatches(ctx context.Context, targetMap string) ([]roadnet.AssignedMatch, error)
	GetDisputeReports(ctx context.Context, targetMap string) ([]db.DisputeReport, error)
	ListRuns(ctx context.Context, targetMap string, limit int) ([]*db.ConflationRun, error)
	GetBaseReferences(ctx context.Context, ids []string) ([]*roadnet.BaseReference, error)
}

// Gather loads the stored results of a target map: assigned matches,
// dispute reports, the latest run and every reference they touch.
func Gather(ctx context.Context, src Source, targetMap string, now time.Time) (Input, error) {
	in := Input{TargetMap: targetMap, Now: now}
	var err error
	if in.Assigned, err = src.GetAssignedMatches(ctx, targetMap); err != nil {
		return in, fmt.Errorf("failed to load assigned matches: %w", err)
	}
	if in.Disputes, err = src.GetDisputeReports(ctx, targetMap); err != nil {
		return in, fmt.Errorf("failed to load dispute reports: %w", err)
	}
	runs, err := src.ListRuns(ctx, targetMap, 1)
	if err != nil {
		return in, fmt.Errorf("failed to load runs: %w", err)
	}
	if len(runs) > 0 {
		in.Run = runs[0]
	}

	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, a := range in.Assigned {
		add(a.BaseReferenceID)
	}
	for _, d := range in.Disputes {
		add(d.BaseReferenceID)
	}
	refs, err := src.GetBaseReferences(ctx, ids)
	if err != nil {
		return in, fmt.Errorf("failed to load references: %w", err)
	}
	in.References = make(map[string]*roadnet.BaseReference, len(refs))
	for _, r := range refs {
		in.References[r.ID] = r
	}
	return in, nil
}
