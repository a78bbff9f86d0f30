package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/conflation/internal/pipeline"
)

// echartsAssetsHost serves the echarts scripts the page loads.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// maxCoverageBars caps the coverage chart to the least covered references.
const maxCoverageBars = 50

// WriteHTML renders the summary charts as one HTML page.
func (s *Summary) WriteHTML(w io.Writer) error {
	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.PageTitle = fmt.Sprintf("Conflation report: %s", s.TargetMap)
	page.AddCharts(s.strategyChart(), s.coverageChart())
	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render report page: %w", err)
	}
	return nil
}

func (s *Summary) strategyChart() *charts.Bar {
	names := []string{
		string(pipeline.StrategyChain),
		string(pipeline.StrategyAxiomatic),
		string(pipeline.StrategySkipped),
	}
	data := make([]opts.BarData, len(names))
	for i, n := range names {
		data[i] = opts.BarData{Value: s.Strategies[pipeline.Strategy(n)]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Paths by strategy",
			Subtitle: fmt.Sprintf("paths=%d chosen=%d assigned=%d unresolved=%d", s.Paths, s.ChosenMatches, s.Assigned, s.Unresolved),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("paths", data,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}

func (s *Summary) coverageChart() *charts.Bar {
	cov := append([]ReferenceCoverage(nil), s.Coverage...)
	sort.SliceStable(cov, func(i, j int) bool { return cov[i].Fraction < cov[j].Fraction })
	if len(cov) > maxCoverageBars {
		cov = cov[:maxCoverageBars]
	}

	ids := make([]string, len(cov))
	data := make([]opts.BarData, len(cov))
	for i, c := range cov {
		ids[i] = c.ReferenceID
		data[i] = opts.BarData{Value: c.Fraction, Name: fmt.Sprintf("%s %.3f/%.3f km", c.ReferenceID, c.AssignedKm, c.LengthKm)}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "520px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Assigned coverage per reference",
			Subtitle: fmt.Sprintf("references=%d assigned=%.3f km disputed=%.3f km", len(s.Coverage), s.AssignedKm, s.DisputedKm),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "Fraction"}),
	)
	bar.SetXAxis(ids).AddSeries("coverage", data)
	return bar
}
