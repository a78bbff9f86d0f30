package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/conflation/internal/config"
	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/pipeline"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/testutil"
	"github.com/banshee-data/conflation/internal/version"
)

// newTestServer seeds one centerline target map drawn along a two-block
// street, with one real path and one empty path.
func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "conflation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	var refs []*roadnet.BaseReference
	refs = append(refs, testutil.TwoWay("r1", "A", "B", orb.Point{0, 0}, orb.Point{1, 0})...)
	refs = append(refs, testutil.TwoWay("r2", "B", "C", orb.Point{1, 0}, orb.Point{2, 0})...)
	require.NoError(t, d.InsertBaseReferences(ctx, refs))
	require.NoError(t, d.InsertTargetMap(ctx, &roadnet.TargetMap{ID: "center", IsCenterline: true}))
	require.NoError(t, d.InsertTargetMapEdges(ctx, "center", []*roadnet.TargetMapEdge{
		testutil.Edge(1, orb.Point{0, 0.005}, orb.Point{1.2, 0.005}),
		testutil.Edge(2, orb.Point{1.2, 0.005}, orb.Point{2, 0.005}),
	}))
	require.NoError(t, d.InsertTargetMapPaths(ctx, []*roadnet.TargetMapPath{
		{ID: 1, TargetMap: "center", EdgeIDs: []int64{1, 2}},
		{ID: 2, TargetMap: "center"},
	}))

	maxScore, workers := 1.0, 2
	cfg := &config.ConflationConfig{MaxChainScore: &maxScore, Workers: &workers}
	s := NewServer(d, pipeline.NewService(d, cfg), cfg)
	s.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return s, d
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestVersionAndConfig(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, version.Current(), decode[version.Info](t, rec))

	rec = do(t, s, http.MethodGet, "/api/config")
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[config.ConflationConfig](t, rec)
	assert.Equal(t, 2, cfg.GetWorkers())
}

func TestListTargetMaps(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/target-maps")
	require.Equal(t, http.StatusOK, rec.Code)
	tms := decode[[]roadnet.TargetMap](t, rec)
	require.Len(t, tms, 1)
	assert.Equal(t, "center", tms[0].ID)
	assert.True(t, tms[0].IsCenterline)
}

func TestUnknownTargetMap(t *testing.T) {
	s, _ := newTestServer(t)

	for _, target := range []string{
		"/api/target-maps/nope/assigned",
		"/api/target-maps/nope/disputes",
		"/api/target-maps/nope/runs",
		"/api/target-maps/nope/report",
		"/api/target-maps/nope/paths/1/matches",
	} {
		rec := do(t, s, http.MethodGet, target)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
	rec := do(t, s, http.MethodPost, "/api/target-maps/nope/conflate")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadParameters(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/target-maps/center/paths/abc/matches")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/target-maps/center/runs?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/target-maps/center/paths/99/matches")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/target-maps/center/report/pie.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/target-maps/center/conflate")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = do(t, s, http.MethodDelete, "/api/target-maps")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEmptyResults(t *testing.T) {
	s, _ := newTestServer(t)

	for _, target := range []string{
		"/api/target-maps/center/assigned",
		"/api/target-maps/center/disputes",
		"/api/target-maps/center/runs",
	} {
		rec := do(t, s, http.MethodGet, target)
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "[]\n", rec.Body.String(), target)
	}

	// Histograms need a batch run through this server first.
	rec := do(t, s, http.MethodGet, "/api/target-maps/center/report/deviations.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConflateAndRead(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/target-maps/center/conflate")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Positive(t, body["assigned"])

	rec = do(t, s, http.MethodGet, "/api/target-maps/center/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]db.ConflationRun](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, db.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].PathsTotal)

	rec = do(t, s, http.MethodGet, "/api/target-maps/center/assigned")
	require.Equal(t, http.StatusOK, rec.Code)
	assigned := decode[[]roadnet.AssignedMatch](t, rec)
	require.NotEmpty(t, assigned)
	refs := make(map[string]bool)
	for _, a := range assigned {
		refs[a.BaseReferenceID] = true
	}
	assert.True(t, refs["r1f"] && refs["r2f"], "assigned references: %v", refs)

	rec = do(t, s, http.MethodGet, "/api/target-maps/center/sections.geojson")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, fc.Features, len(assigned))

	rec = do(t, s, http.MethodGet, "/api/target-maps/center/report")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "Paths by strategy")

	rec = do(t, s, http.MethodGet, "/api/target-maps/center/report?format=json")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[map[string]any](t, rec)
	assert.Equal(t, "center", sum["target_map"])
	assert.EqualValues(t, 2, sum["paths"])
	assert.EqualValues(t, len(assigned), sum["assigned"])

	rec = do(t, s, http.MethodGet, "/api/target-maps/center/report/deviations.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))
}

func TestConflatePath(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/target-maps/center/paths/1/conflate")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[pipeline.PathResult](t, rec)
	assert.Equal(t, pipeline.StrategyChain, res.Strategy)
	assert.NotEmpty(t, res.Matches)

	rec = do(t, s, http.MethodGet, "/api/target-maps/center/paths/1/matches")
	require.Equal(t, http.StatusOK, rec.Code)
	ems := decode[[]pipeline.EdgeMatches](t, rec)
	assert.Len(t, ems, 2)
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(500), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}
