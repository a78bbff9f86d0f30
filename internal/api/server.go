// Package api serves conflation results over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/conflation/internal/config"
	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/httputil"
	"github.com/banshee-data/conflation/internal/pipeline"
	"github.com/banshee-data/conflation/internal/report"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/version"
	"github.com/banshee-data/conflation/internal/vicinity"
)

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Store is the read side the handlers need. *db.DB implements it.
type Store interface {
	report.Source
	ListTargetMaps(ctx context.Context) ([]*roadnet.TargetMap, error)
	GetTargetMap(ctx context.Context, id string) (*roadnet.TargetMap, error)
}

// Server exposes conflation results and lets a client trigger runs.
type Server struct {
	store Store
	svc   *pipeline.Service
	cfg   *config.ConflationConfig
	now   func() time.Time

	mu sync.Mutex
	// per-path results of the latest batch run through this server, keyed
	// by target map; they feed the report histograms.
	lastPaths map[string][]*pipeline.PathResult
}

// NewServer returns a server over store and svc.
func NewServer(store Store, svc *pipeline.Service, cfg *config.ConflationConfig) *Server {
	return &Server{
		store:     store,
		svc:       svc,
		cfg:       cfg,
		now:       time.Now,
		lastPaths: make(map[string][]*pipeline.PathResult),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/version", s.showVersion)
	mux.HandleFunc("GET /api/config", s.showConfig)
	mux.HandleFunc("GET /api/target-maps", s.listTargetMaps)
	mux.HandleFunc("GET /api/target-maps/{tm}/assigned", s.listAssigned)
	mux.HandleFunc("GET /api/target-maps/{tm}/disputes", s.listDisputes)
	mux.HandleFunc("GET /api/target-maps/{tm}/runs", s.listRuns)
	mux.HandleFunc("GET /api/target-maps/{tm}/paths/{path}/matches", s.showPathMatches)
	mux.HandleFunc("GET /api/target-maps/{tm}/sections.geojson", s.showSections)
	mux.HandleFunc("GET /api/target-maps/{tm}/report", s.showReport)
	mux.HandleFunc("GET /api/target-maps/{tm}/report/{chart}", s.showHistogram)
	mux.HandleFunc("POST /api/target-maps/{tm}/conflate", s.conflate)
	mux.HandleFunc("POST /api/target-maps/{tm}/paths/{path}/conflate", s.conflatePath)
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Current())
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.cfg)
}

func (s *Server) listTargetMaps(w http.ResponseWriter, r *http.Request) {
	tms, err := s.store.ListTargetMaps(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list target maps: %v", err))
		return
	}
	httputil.WriteJSONOK(w, tms)
}

// targetMap resolves the {tm} path value, writing a 404 when it is unknown.
func (s *Server) targetMap(w http.ResponseWriter, r *http.Request) (*roadnet.TargetMap, bool) {
	id := r.PathValue("tm")
	tm, err := s.store.GetTargetMap(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to load target map: %v", err))
		return nil, false
	}
	if tm == nil {
		httputil.NotFound(w, fmt.Sprintf("unknown target map %q", id))
		return nil, false
	}
	return tm, true
}

func (s *Server) listAssigned(w http.ResponseWriter, r *http.Request) {
	tm, ok := s.targetMap(w, r)
	if !ok {
		return
	}
	as, err := s.store.GetAssignedMatches(r.Context(), tm.ID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve assigned matches: %v", err))
		return
	}
	if as == nil {
		as = []roadnet.AssignedMatch{}
	}
	httputil.WriteJSONOK(w, as)
}

func (s *Server) listDisputes(w http.ResponseWriter, r *http.Request) {
	tm, ok := s.targetMap(w, r)
	if !ok {
		return
	}
	ds, err := s.store.GetDisputeReports(r.Context(), tm.ID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve dispute reports: %v", err))
		return
	}
	if ds == nil {
		ds = []db.DisputeReport{}
	}
	httputil.WriteJSONOK(w, ds)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	tm, ok := s.targetMap(w, r)
	if !ok {
		return
	}
	limit, ok := httputil.QueryPositiveInt(w, r, "limit", 20)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(r.Context(), tm.ID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []*db.ConflationRun{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showPathMatches(w http.ResponseWriter, r *http.Request) {
	tm, ok := s.targetMap(w, r)
	if !ok {
		return
	}
	id, ok := httputil.PathInt64(w, r, "path")
	if !ok {
		return
	}
	ems, err := s.svc.GetTargetMapPathMatches(r.Context(), tm.ID, id)
	if errors.Is(err, vicinity.ErrEmptyPath) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve path matches: %v", err))
		return
	}
	httputil.WriteJSONOK(w, ems)
}

func (s *Server) gather(w http.ResponseWriter, r *http.Request) (report.Input, bool) {
	tm, ok := s.targetMap(w, r)
	if !ok {
		return report.Input{}, false
	}
	in, err := report.Gather(r.Context(), s.store, tm.ID, s.now())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return in, false
	}
	s.mu.Lock()
	in.Paths = s.lastPaths[tm.ID]
	s.mu.Unlock()
	return in, true
}

func (s *Server) showSections(w http.ResponseWriter, r *http.Request) {
	in, ok := s.gather(w, r)
	if !ok {
		return
	}
	layer := &report.Layer{References: in.References, SimplifyKm: report.DefaultSimplifyKm}
	httputil.WriteRendered(w, "application/geo+json", func(out io.Writer) error {
		return layer.WriteGeoJSON(out, in.Assigned, in.Disputes)
	})
}

// showReport renders the summary as HTML, or as JSON with ?format=json.
func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	in, ok := s.gather(w, r)
	if !ok {
		return
	}
	sum := report.Build(in)
	if r.URL.Query().Get("format") == "json" {
		httputil.WriteJSONOK(w, sum)
		return
	}
	httputil.WriteRendered(w, "text/html; charset=utf-8", sum.WriteHTML)
}

// showHistogram serves one of the report PNGs. The samples come from the
// latest batch this server ran, so before one it answers 404.
func (s *Server) showHistogram(w http.ResponseWriter, r *http.Request) {
	in, ok := s.gather(w, r)
	if !ok {
		return
	}
	sum := report.Build(in)
	var render func(io.Writer) error
	switch r.PathValue("chart") {
	case report.LengthRatioFile:
		render = sum.WriteLengthRatioPNG
	case report.DeviationFile:
		render = sum.WriteDeviationPNG
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown chart %q", r.PathValue("chart")))
		return
	}
	var buf bytes.Buffer
	if err := render(&buf); errors.Is(err, report.ErrNoData) {
		httputil.NotFound(w, err.Error())
		return
	} else if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) conflate(w http.ResponseWriter, r *http.Request) {
	tm, ok := s.targetMap(w, r)
	if !ok {
		return
	}
	batch, err := s.svc.RunTargetMap(r.Context(), tm.ID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Conflation failed: %v", err))
		return
	}
	s.mu.Lock()
	s.lastPaths[tm.ID] = batch.Paths
	s.mu.Unlock()
	httputil.WriteJSONOK(w, map[string]any{
		"run":        batch.Run,
		"assigned":   len(batch.Resolve.Assigned),
		"unresolved": batch.Resolve.Unresolved,
		"passes":     batch.Resolve.Passes,
	})
}

func (s *Server) conflatePath(w http.ResponseWriter, r *http.Request) {
	tm, ok := s.targetMap(w, r)
	if !ok {
		return
	}
	id, ok := httputil.PathInt64(w, r, "path")
	if !ok {
		return
	}
	res, err := s.svc.RunConflation(r.Context(), tm.ID, id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Conflation failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, res)
}
