// Command conflate loads a base road network and target maps into SQLite,
// conflates target-map paths onto base references and serves or reports
// the results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/conflation/internal/api"
	"github.com/banshee-data/conflation/internal/config"
	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/fsutil"
	"github.com/banshee-data/conflation/internal/monitoring"
	"github.com/banshee-data/conflation/internal/pipeline"
	"github.com/banshee-data/conflation/internal/report"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/security"
	"github.com/banshee-data/conflation/internal/version"
)

var (
	dbPath     = flag.String("db", "conflation.db", "Path to the SQLite database")
	configPath = flag.String("config", "", "Path to a .json or .yaml conflation config (defaults apply when empty)")
	logLevel   = flag.String("log-level", "", "Log level override: debug, info, warn or error")
	devMode    = flag.Bool("dev", false, "Human-readable console logging")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: conflate [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  migrate <action>                   Manage the database schema (see 'migrate help')")
	fmt.Fprintln(out, "  load-base <file.geojson>           Load base references")
	fmt.Fprintln(out, "  load-target [flags] <file.geojson> Load a target map's edges and paths")
	fmt.Fprintln(out, "  match <target-map>                 Recompute raw matches for every edge")
	fmt.Fprintln(out, "  conflate [flags] <target-map>      Conflate every path, or one with --path")
	fmt.Fprintln(out, "  resolve <target-map>               Re-run dispute resolution over stored chosen matches")
	fmt.Fprintln(out, "  assigned [flags] <target-map>      Print assigned matches, or export them with --geojson")
	fmt.Fprintln(out, "  report [flags] <target-map>        Write a report of the stored results")
	fmt.Fprintln(out, "  serve [flags]                      Serve the HTTP API")
	fmt.Fprintln(out, "  version                            Print build information")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	args := flag.Args()
	switch args[0] {
	case "version":
		fmt.Println(version.Current())
		return
	case "migrate":
		db.RunMigrateCommand(args[1:], *dbPath)
		return
	}

	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	level := cfg.GetLogLevel()
	if *logLevel != "" {
		level = *logLevel
	}
	logger, err := monitoring.NewLogger(level, *devMode)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	monitoring.RouteToZap(logger)

	database, err := db.NewDB(*dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("path", *dbPath), zap.Error(err))
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		db:     database,
		svc:    pipeline.NewService(database, cfg, pipeline.WithLogger(logger)),
		cfg:    cfg,
		logger: logger,
		fs:     fsutil.OSFileSystem{},
		out:    os.Stdout,
		now:    time.Now,
	}
	if err := a.run(ctx, args); err != nil {
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		logger.Fatal("command failed", zap.String("command", args[0]), zap.Error(err))
	}
}

// usageError marks malformed invocations.
type usageError string

func (e usageError) Error() string { return string(e) }

// app carries what every subcommand needs.
type app struct {
	db     *db.DB
	svc    *pipeline.Service
	cfg    *config.ConflationConfig
	logger *zap.Logger
	fs     fsutil.FileSystem
	out    io.Writer
	now    func() time.Time
}

func (a *app) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "load-base":
		return a.loadBase(ctx, rest)
	case "load-target":
		return a.loadTarget(ctx, rest)
	case "match":
		return a.match(ctx, rest)
	case "conflate":
		return a.conflate(ctx, rest)
	case "resolve":
		return a.resolve(ctx, rest)
	case "assigned":
		return a.assigned(ctx, rest)
	case "report":
		return a.report(ctx, rest)
	case "serve":
		return a.serve(ctx, rest)
	default:
		return usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

// parse runs fs over args and requires exactly one positional argument.
func parse(fs *flag.FlagSet, args []string, what string) (string, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return "", usageError(fmt.Sprintf("%s: %v", fs.Name(), err))
	}
	if fs.NArg() != 1 {
		return "", usageError(fmt.Sprintf("usage: conflate %s [flags] <%s>", fs.Name(), what))
	}
	return fs.Arg(0), nil
}

func (a *app) open(path string) (io.ReadCloser, error) {
	f, err := a.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func (a *app) loadBase(ctx context.Context, args []string) error {
	path, err := parse(flag.NewFlagSet("load-base", flag.ContinueOnError), args, "file.geojson")
	if err != nil {
		return err
	}
	f, err := a.open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := a.db.LoadBaseNetwork(ctx, f)
	if err != nil {
		return err
	}
	a.logger.Info("base network loaded", zap.String("file", path), zap.Int("references", n))
	fmt.Fprintf(a.out, "Loaded %d base references\n", n)
	return nil
}

func (a *app) loadTarget(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("load-target", flag.ContinueOnError)
	id := fs.String("id", "", "Target map id (defaults to the file name)")
	name := fs.String("name", "", "Display name")
	centerline := fs.Bool("centerline", false, "Edges are bidirectional centerlines")
	path, err := parse(fs, args, "file.geojson")
	if err != nil {
		return err
	}
	tm := &roadnet.TargetMap{ID: *id, Name: *name, IsCenterline: *centerline}
	if tm.ID == "" {
		tm.ID = security.SanitizeFilename(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}
	f, err := a.open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	edges, paths, err := a.db.LoadTargetMap(ctx, tm, f)
	if err != nil {
		return err
	}
	a.logger.Info("target map loaded",
		zap.String("target_map", tm.ID), zap.Int("edges", edges), zap.Int("paths", paths))
	fmt.Fprintf(a.out, "Loaded target map %s: %d edges, %d paths\n", tm.ID, edges, paths)
	return nil
}

func (a *app) match(ctx context.Context, args []string) error {
	tm, err := parse(flag.NewFlagSet("match", flag.ContinueOnError), args, "target-map")
	if err != nil {
		return err
	}
	n, err := a.svc.MatchEntireTargetMap(ctx, tm)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Stored %d raw matches for %s\n", n, tm)
	return nil
}

func (a *app) conflate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("conflate", flag.ContinueOnError)
	pathID := fs.Int64("path", 0, "Conflate only this path")
	reportDir := fs.String("report", "", "Write a report of the batch into this directory")
	tm, err := parse(fs, args, "target-map")
	if err != nil {
		return err
	}

	if *pathID != 0 {
		res, err := a.svc.RunConflation(ctx, tm, *pathID)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Path %d: %s, %d chosen matches\n", res.PathID, res.Strategy, len(res.Matches))
		for _, m := range res.Matches {
			fmt.Fprintln(a.out, " ", m)
		}
		return nil
	}

	batch, err := a.svc.RunTargetMap(ctx, tm)
	if err != nil {
		return err
	}
	run := batch.Run
	fmt.Fprintf(a.out, "Run %s: %d paths (%d failed), %d chosen, %d assigned, %d disputes\n",
		run.RunID, run.PathsTotal, run.PathsFailed, run.ChosenCount, run.AssignedCount, run.DisputesCount)
	if *reportDir == "" {
		return nil
	}

	in, err := report.Gather(ctx, a.db, tm, a.now())
	if err != nil {
		return err
	}
	in.Paths = batch.Paths
	return a.writeReport(in, *reportDir)
}

func (a *app) resolve(ctx context.Context, args []string) error {
	tm, err := parse(flag.NewFlagSet("resolve", flag.ContinueOnError), args, "target-map")
	if err != nil {
		return err
	}
	rr, err := a.svc.ResolveDisputes(ctx, tm)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d assigned, %d unresolved after %d passes\n", len(rr.Assigned), len(rr.Unresolved), rr.Passes)
	for _, d := range rr.Unresolved {
		fmt.Fprintf(a.out, "  dispute %s [%.4f, %.4f] claimed by %d matches\n",
			d.BaseReferenceID, d.SectionStart, d.SectionEnd, len(d.Claims))
	}
	return nil
}

func (a *app) assigned(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("assigned", flag.ContinueOnError)
	out := fs.String("geojson", "", "Write the assigned sections as GeoJSON to this file")
	tm, err := parse(fs, args, "target-map")
	if err != nil {
		return err
	}

	if *out == "" {
		as, err := a.svc.GetAssignedMatches(ctx, tm)
		if err != nil {
			return err
		}
		for _, m := range as {
			fmt.Fprintf(a.out, "%s\t%d\t%d\t%t\t%.4f\t%.4f\n",
				m.BaseReferenceID, m.TargetMapPathID, m.TargetMapEdgeID, m.IsForward, m.SectionStart, m.SectionEnd)
		}
		return nil
	}

	if err := security.ValidateOutputPath(*out); err != nil {
		return err
	}
	in, err := report.Gather(ctx, a.db, tm, a.now())
	if err != nil {
		return err
	}
	layer := &report.Layer{References: in.References, SimplifyKm: report.DefaultSimplifyKm}
	fc, err := layer.FeatureCollection(in.Assigned, in.Disputes)
	if err != nil {
		return err
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	if err := a.fs.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", *out, err)
	}
	if layer.Missing > 0 {
		a.logger.Warn("sections skipped for references missing from the base network", zap.Int("sections", layer.Missing))
	}
	fmt.Fprintf(a.out, "Wrote %d features to %s\n", len(fc.Features), *out)
	return nil
}

func (a *app) report(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	dir := fs.String("out", "reports", "Directory the report is written under")
	tm, err := parse(fs, args, "target-map")
	if err != nil {
		return err
	}
	in, err := report.Gather(ctx, a.db, tm, a.now())
	if err != nil {
		return err
	}
	return a.writeReport(in, *dir)
}

func (a *app) writeReport(in report.Input, dir string) error {
	if err := security.ValidateOutputPath(dir); err != nil {
		return err
	}
	w := report.NewWriter(dir)
	w.FS = a.fs
	layer := &report.Layer{References: in.References, SimplifyKm: report.DefaultSimplifyKm}
	files, err := w.Write(report.Build(in), layer, in.Assigned, in.Disputes)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(a.out, f)
	}
	return nil
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", ":8080", "Listen address")
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return usageError(fmt.Sprintf("serve: %v", err))
	}

	mux := api.NewServer(a.db, a.svc, a.cfg).ServeMux()
	a.db.AttachAdminRoutes(mux)
	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("serving", zap.String("listen", *listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown error", zap.Error(err))
		return server.Close()
	}
	return nil
}
