package report

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/fsutil"
	"github.com/banshee-data/conflation/internal/pipeline"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/testutil"
)

func fixtureInput() Input {
	r1 := testutil.Ref("r1", "g1", "A", "B", orb.Point{0, 0}, orb.Point{0.5, 0.001}, orb.Point{1, 0})
	r2 := testutil.Ref("r2", "g2", "B", "C", orb.Point{1, 0}, orb.Point{2, 0})
	return Input{
		TargetMap: "state roads",
		Now:       time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
		Paths: []*pipeline.PathResult{
			{
				PathID:   1,
				Strategy: pipeline.StrategyChain,
				Matches:  make([]roadnet.ChosenMatch, 3),
				Forward:  &pipeline.DirectionResult{Deviations: []float64{0.001, 0.004, 0.002}},
				Backward: &pipeline.DirectionResult{Deviations: []float64{0.5}, Rejected: "edge boundaries backtrack"},
			},
			{
				PathID:       2,
				Strategy:     pipeline.StrategyAxiomatic,
				Matches:      make([]roadnet.ChosenMatch, 2),
				HullFallback: true,
				Axiomatic:    &pipeline.AxiomaticSummary{LengthRatios: []float64{0.98, 1.01, 1.2}},
			},
			{PathID: 3, Strategy: pipeline.StrategySkipped},
		},
		Assigned: []roadnet.AssignedMatch{
			{BaseReferenceID: r1.ID, TargetMapPathID: 1, TargetMapEdgeID: 10, IsForward: true, SectionStart: 0, SectionEnd: r1.LengthKm / 2},
			{BaseReferenceID: r1.ID, TargetMapPathID: 2, TargetMapEdgeID: 20, IsForward: true, SectionStart: r1.LengthKm / 2, SectionEnd: r1.LengthKm},
			{BaseReferenceID: r2.ID, TargetMapPathID: 1, TargetMapEdgeID: 11, IsForward: true, SectionStart: 0, SectionEnd: 0.25},
			{BaseReferenceID: "gone", TargetMapPathID: 1, TargetMapEdgeID: 12, IsForward: true, SectionStart: 0, SectionEnd: 0.4},
		},
		Disputes: []db.DisputeReport{{
			BaseReferenceID: r2.ID,
			SectionStart:    0.5,
			SectionEnd:      0.75,
			Claims: []roadnet.ChosenMatch{
				{TargetMapPathID: 4, BaseReferenceID: r2.ID, SectionStart: 0.5, SectionEnd: 0.75},
				{TargetMapPathID: 5, BaseReferenceID: r2.ID, SectionStart: 0.5, SectionEnd: 0.75},
			},
		}},
		References: map[string]*roadnet.BaseReference{r1.ID: r1, r2.ID: r2},
	}
}

func TestBuild(t *testing.T) {
	s := Build(fixtureInput())

	assert.Equal(t, 3, s.Paths)
	assert.Equal(t, map[pipeline.Strategy]int{
		pipeline.StrategyChain:     1,
		pipeline.StrategyAxiomatic: 1,
		pipeline.StrategySkipped:   1,
	}, s.Strategies)
	assert.Equal(t, 5, s.ChosenMatches)
	assert.Equal(t, 1, s.HullFallbacks)
	assert.Equal(t, 4, s.Assigned)
	assert.Equal(t, 1, s.Unresolved)
	assert.InDelta(t, 0.25, s.DisputedKm, 1e-12)

	// Rejected directions do not contribute deviations.
	assert.Equal(t, []float64{0.001, 0.004, 0.002}, s.Deviations)
	assert.Equal(t, 3, s.Deviation.Count)
	assert.InDelta(t, 0.004, s.Deviation.Max, 1e-12)
	assert.InDelta(t, 0.002, s.Deviation.Median, 1e-12)

	assert.Equal(t, 3, s.LengthRatio.Count)
	assert.InDelta(t, (0.98+1.01+1.2)/3, s.LengthRatio.Mean, 1e-9)

	require.Len(t, s.Coverage, 3)
	assert.Equal(t, "gone", s.Coverage[0].ReferenceID)
	assert.InDelta(t, 1, s.Coverage[0].Fraction, 1e-12)
	assert.Equal(t, "r1", s.Coverage[1].ReferenceID)
	assert.InDelta(t, 1, s.Coverage[1].Fraction, 1e-9)
	assert.Equal(t, 2, s.Coverage[1].Claimants)
	assert.Equal(t, "r2", s.Coverage[2].ReferenceID)
	assert.InDelta(t, 0.25, s.Coverage[2].Fraction, 1e-6)
}

func TestBuildEmpty(t *testing.T) {
	s := Build(Input{TargetMap: "tm"})
	assert.Zero(t, s.Deviation)
	assert.Empty(t, s.Coverage)
	assert.ErrorIs(t, s.WriteDeviationPNG(&bytes.Buffer{}), ErrNoData)
}

func TestWriteHistogramPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistogramPNG(&buf, "ratios", "Ratio", []float64{0.9, 1, 1.1, 1.3}, 0))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")), "not a PNG")
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Build(fixtureInput()).WriteHTML(&buf))
	html := buf.String()
	assert.Contains(t, html, "Paths by strategy")
	assert.Contains(t, html, "Assigned coverage per reference")
}

func TestLayer(t *testing.T) {
	in := fixtureInput()
	layer := &Layer{References: in.References, SimplifyKm: DefaultSimplifyKm}

	fc, err := layer.FeatureCollection(in.Assigned, in.Disputes)
	require.NoError(t, err)
	assert.Equal(t, 1, layer.Missing)
	require.Len(t, fc.Features, 4)

	first := fc.Features[0]
	assert.Equal(t, "assigned", first.Properties["kind"])
	line, ok := first.Geometry.(orb.LineString)
	require.True(t, ok)
	assert.InDelta(t, in.References["r1"].LengthKm/2, testutil.KmLength(line), 0.002)
	assert.InDelta(t, testutil.Origin.Lon(), line[0].Lon(), 1e-9)

	dispute := fc.Features[3]
	assert.Equal(t, "dispute", dispute.Properties["kind"])
	assert.Equal(t, []int64{4, 5}, dispute.Properties["claimant_paths"])
	dl := dispute.Geometry.(orb.LineString)
	assert.InDelta(t, 0.25, testutil.KmLength(dl), 0.002)
}

func TestWriter(t *testing.T) {
	in := fixtureInput()
	mem := fsutil.NewMemoryFileSystem()
	w := &Writer{FS: mem, Dir: "/reports"}

	s := Build(in)
	files, err := w.Write(s, &Layer{References: in.References}, in.Assigned, in.Disputes)
	require.NoError(t, err)

	dir := filepath.Join("/reports", "state_roads")
	want := []string{
		filepath.Join(dir, SummaryFile),
		filepath.Join(dir, HTMLFile),
		filepath.Join(dir, LengthRatioFile),
		filepath.Join(dir, DeviationFile),
		filepath.Join(dir, SectionsFile),
	}
	assert.Equal(t, want, files)
	assert.True(t, mem.Exists(dir))

	raw, err := mem.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "state roads", decoded["target_map"])
	assert.NotContains(t, decoded, "LengthRatios")

	gj, err := mem.ReadFile(filepath.Join(dir, SectionsFile))
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(gj)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 4)
}

func TestWriterSkipsEmptyHistograms(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	files, err := (&Writer{FS: mem, Dir: "/r"}).Write(Build(Input{TargetMap: "tm"}), nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/r/tm/summary.json", "/r/tm/report.html"}, files)
}
