package db

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/conflation/internal/roadnet"
)

func chosen(path int64, idx int, edge int64, fwd bool, ref string, start, end float64) roadnet.ChosenMatch {
	return roadnet.ChosenMatch{
		TargetMapID:     "tm",
		TargetMapPathID: path,
		PathEdgeIdx:     idx,
		EdgeID:          edge,
		IsForward:       fwd,
		BaseReferenceID: ref,
		SectionStart:    start,
		SectionEnd:      end,
	}
}

func TestChosenMatches(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	batch := []roadnet.ChosenMatch{
		chosen(10, 1, 1, true, "af", 0.5, 1),
		chosen(10, 0, 2, true, "af", 0, 0.5),
		chosen(11, 0, 3, false, "zz", 0, 1),
	}
	batch[2].Axiomatic = true
	if err := db.BulkInsertChosenMatches(ctx, "tm", "run-1", batch); err != nil {
		t.Fatalf("BulkInsertChosenMatches failed: %v", err)
	}

	got, err := db.GetChosenMatches(ctx, "tm")
	if err != nil {
		t.Fatalf("GetChosenMatches failed: %v", err)
	}
	want := []roadnet.ChosenMatch{batch[1], batch[0], batch[2]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("chosen matches mismatch (-want +got):\n%s", diff)
	}

	byEdge, err := db.GetChosenMatchesForTargetMapEdges(ctx, "tm", []int64{3})
	if err != nil {
		t.Fatalf("GetChosenMatchesForTargetMapEdges failed: %v", err)
	}
	if diff := cmp.Diff([]roadnet.ChosenMatch{batch[2]}, byEdge); diff != "" {
		t.Errorf("matches for edge 3 mismatch (-want +got):\n%s", diff)
	}

	// Re-running one path replaces only that path's matches.
	replacement := []roadnet.ChosenMatch{chosen(10, 0, 2, true, "ab", 0, 0.4)}
	if err := db.InsertChosenMatches(ctx, "tm", 10, "run-2", replacement); err != nil {
		t.Fatalf("InsertChosenMatches failed: %v", err)
	}
	path10, err := db.GetChosenMatchesForPath(ctx, "tm", 10)
	if err != nil {
		t.Fatalf("GetChosenMatchesForPath failed: %v", err)
	}
	if diff := cmp.Diff(replacement, path10); diff != "" {
		t.Errorf("path 10 mismatch (-want +got):\n%s", diff)
	}
	all, _ := db.GetChosenMatches(ctx, "tm")
	if len(all) != 2 {
		t.Errorf("got %d chosen matches after path replace, want 2", len(all))
	}
}

func TestAssignedMatches(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	as := []roadnet.AssignedMatch{
		{BaseReferenceID: "b", TargetMapEdgeID: 2, TargetMapPathID: 10, IsForward: true, SectionStart: 0, SectionEnd: 0.3},
		{BaseReferenceID: "a", TargetMapEdgeID: 1, TargetMapPathID: 10, IsForward: false, SectionStart: 0.2, SectionEnd: 0.4},
		{BaseReferenceID: "a", TargetMapEdgeID: 1, TargetMapPathID: 11, IsForward: true, SectionStart: 0, SectionEnd: 0.2},
	}
	if err := db.ReplaceAssignedMatches(ctx, "tm", as); err != nil {
		t.Fatalf("ReplaceAssignedMatches failed: %v", err)
	}
	if err := db.ReplaceAssignedMatches(ctx, "other", as[:1]); err != nil {
		t.Fatalf("ReplaceAssignedMatches failed: %v", err)
	}

	got, err := db.GetAssignedMatches(ctx, "tm")
	if err != nil {
		t.Fatalf("GetAssignedMatches failed: %v", err)
	}
	want := []roadnet.AssignedMatch{as[2], as[1], as[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("assigned matches mismatch (-want +got):\n%s", diff)
	}

	if err := db.ReplaceAssignedMatches(ctx, "tm", nil); err != nil {
		t.Fatalf("ReplaceAssignedMatches failed: %v", err)
	}
	got, _ = db.GetAssignedMatches(ctx, "tm")
	if len(got) != 0 {
		t.Errorf("got %d assigned matches after clearing, want 0", len(got))
	}
	other, _ := db.GetAssignedMatches(ctx, "other")
	if len(other) != 1 {
		t.Errorf("clearing one target map touched another: %d rows", len(other))
	}
}

func TestDisputeReports(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	reports := []DisputeReport{{
		BaseReferenceID: "a",
		SectionStart:    0.1,
		SectionEnd:      0.2,
		Claims: []roadnet.ChosenMatch{
			chosen(10, 0, 1, true, "a", 0.1, 0.2),
			chosen(11, 0, 4, true, "a", 0.1, 0.2),
		},
	}}
	if err := db.InsertDisputeReports(ctx, "tm", "run-1", reports); err != nil {
		t.Fatalf("InsertDisputeReports failed: %v", err)
	}

	got, err := db.GetDisputeReports(ctx, "tm")
	if err != nil {
		t.Fatalf("GetDisputeReports failed: %v", err)
	}
	want := reports
	want[0].TargetMap = "tm"
	want[0].RunID = "run-1"
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(DisputeReport{}, "CreatedAt")); diff != "" {
		t.Errorf("dispute reports mismatch (-want +got):\n%s", diff)
	}
	if got[0].CreatedAt.IsZero() {
		t.Errorf("CreatedAt not populated")
	}
}

func TestResolveAndReplace(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	batch := []roadnet.ChosenMatch{
		chosen(10, 0, 1, true, "a", 0, 0.5),
		chosen(11, 0, 2, true, "a", 0.4, 1),
	}
	if err := db.BulkInsertChosenMatches(ctx, "tm", "", batch); err != nil {
		t.Fatalf("BulkInsertChosenMatches failed: %v", err)
	}

	var seen []roadnet.ChosenMatch
	assigned, reports, err := db.ResolveAndReplace(ctx, "tm", "run-1",
		func(in []roadnet.ChosenMatch) ([]roadnet.AssignedMatch, []DisputeReport, error) {
			seen = in
			return []roadnet.AssignedMatch{{BaseReferenceID: "a", TargetMapEdgeID: 1, TargetMapPathID: 10, IsForward: true, SectionEnd: 0.5}},
				[]DisputeReport{{BaseReferenceID: "a", SectionStart: 0.4, SectionEnd: 0.5, Claims: in}}, nil
		})
	if err != nil {
		t.Fatalf("ResolveAndReplace failed: %v", err)
	}
	if diff := cmp.Diff(batch, seen); diff != "" {
		t.Errorf("resolve input mismatch (-want +got):\n%s", diff)
	}
	if len(assigned) != 1 || len(reports) != 1 {
		t.Fatalf("got %d assigned and %d reports, want 1 and 1", len(assigned), len(reports))
	}
	stored, _ := db.GetAssignedMatches(ctx, "tm")
	if diff := cmp.Diff(assigned, stored); diff != "" {
		t.Errorf("stored assigned mismatch (-want +got):\n%s", diff)
	}

	// A failing resolve leaves the previous result in place.
	boom := errors.New("boom")
	_, _, err = db.ResolveAndReplace(ctx, "tm", "run-2",
		func([]roadnet.ChosenMatch) ([]roadnet.AssignedMatch, []DisputeReport, error) {
			return nil, nil, boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	stored, _ = db.GetAssignedMatches(ctx, "tm")
	if len(stored) != 1 {
		t.Errorf("assigned matches changed by failed resolve: %d rows", len(stored))
	}
	disputes, _ := db.GetDisputeReports(ctx, "tm")
	if len(disputes) != 1 || disputes[0].RunID != "run-1" {
		t.Errorf("dispute reports changed by failed resolve: %+v", disputes)
	}
}
