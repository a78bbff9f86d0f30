package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoData is returned when a histogram has nothing to draw.
var ErrNoData = errors.New("no data to plot")

const defaultBins = 20

// WriteHistogramPNG draws a histogram of values as a PNG image.
func WriteHistogramPNG(w io.Writer, title, xLabel string, values []float64, bins int) error {
	if len(values) == 0 {
		return ErrNoData
	}
	if bins <= 0 {
		bins = defaultBins
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = "Count"

	h, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	h.FillColor = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	p.Add(h)

	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", title, err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write %s: %w", title, err)
	}
	return nil
}

// WriteLengthRatioPNG plots the matched-to-edge length ratios of the
// axiomatically chosen edges.
func (s *Summary) WriteLengthRatioPNG(w io.Writer) error {
	return WriteHistogramPNG(w, fmt.Sprintf("%s: matched length / edge length", s.TargetMap),
		"Ratio", s.LengthRatios, defaultBins)
}

// WriteDeviationPNG plots the snap distance of every divvied edge boundary.
func (s *Summary) WriteDeviationPNG(w io.Writer) error {
	return WriteHistogramPNG(w, fmt.Sprintf("%s: edge boundary snap distance", s.TargetMap),
		"Deviation (km)", s.Deviations, defaultBins)
}
