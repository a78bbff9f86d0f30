package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/conflation/internal/db"
	"github.com/banshee-data/conflation/internal/fsutil"
	"github.com/banshee-data/conflation/internal/roadnet"
	"github.com/banshee-data/conflation/internal/security"
)

// Report file names inside the target map's directory.
const (
	SummaryFile     = "summary.json"
	HTMLFile        = "report.html"
	LengthRatioFile = "length_ratios.png"
	DeviationFile   = "deviations.png"
	SectionsFile    = "sections.geojson"
)

type artefact struct {
	name   string
	render func(*bytes.Buffer) error
}

// Writer writes reports below Dir, one directory per target map.
type Writer struct {
	FS  fsutil.FileSystem
	Dir string
}

// NewWriter returns a writer on the real filesystem.
func NewWriter(dir string) *Writer {
	return &Writer{FS: fsutil.OSFileSystem{}, Dir: dir}
}

// Write renders every report artefact and returns the files written.
// Histograms with no samples are skipped.
func (w *Writer) Write(s *Summary, layer *Layer, assigned []roadnet.AssignedMatch, disputes []db.DisputeReport) ([]string, error) {
	dir := filepath.Join(w.Dir, security.SanitizeFilename(s.TargetMap))
	if err := w.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report dir: %w", err)
	}

	var written []string
	put := func(name string, render func(*bytes.Buffer) error) error {
		var buf bytes.Buffer
		if err := render(&buf); err != nil {
			if errors.Is(err, ErrNoData) {
				return nil
			}
			return err
		}
		path := filepath.Join(dir, name)
		if err := w.FS.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
		return nil
	}

	steps := []artefact{
		{SummaryFile, func(b *bytes.Buffer) error {
			enc := json.NewEncoder(b)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		}},
		{HTMLFile, func(b *bytes.Buffer) error { return s.WriteHTML(b) }},
		{LengthRatioFile, func(b *bytes.Buffer) error { return s.WriteLengthRatioPNG(b) }},
		{DeviationFile, func(b *bytes.Buffer) error { return s.WriteDeviationPNG(b) }},
	}
	if layer != nil {
		steps = append(steps, artefact{SectionsFile, func(b *bytes.Buffer) error {
			return layer.WriteGeoJSON(b, assigned, disputes)
		}})
	}
	for _, st := range steps {
		if err := put(st.name, st.render); err != nil {
			return written, err
		}
	}
	return written, nil
}
