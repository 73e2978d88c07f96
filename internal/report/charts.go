package report

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/httputil"
	"github.com/banshee-data/ranging.report/internal/units"
)

// DefaultBins is the histogram resolution used when none is given.
const DefaultBins = 20

// WriteHistogramPNG saves a round-trip histogram to path. The image format
// follows the file extension.
func WriteHistogramPNG(path string, samples []Sample, bins int) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	if bins < 1 {
		bins = DefaultBins
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Round trip (%d exchanges)", len(samples))
	p.X.Label.Text = "Round trip (µs)"
	p.Y.Label.Text = "Exchanges"

	h, err := plotter.NewHist(plotter.Values(roundTrips(samples)), bins)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}
	p.Add(h)

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// RenderHistogramHTML writes an HTML page with the round-trip histogram and
// the summary figures. The range estimate is shown in distanceUnits.
func RenderHistogramHTML(w io.Writer, samples []Sample, bins int, distanceUnits string) error {
	if !units.IsValid(distanceUnits) {
		distanceUnits = units.Meters
	}
	summary, err := Summarise(samples)
	if err != nil {
		return err
	}
	if bins < 1 {
		bins = DefaultBins
	}
	buckets, err := Histogram(samples, bins)
	if err != nil {
		return err
	}

	x := make([]string, len(buckets))
	y := make([]opts.BarData, len(buckets))
	for i, b := range buckets {
		x[i] = fmt.Sprintf("%.0f", b.Low)
		y[i] = opts.BarData{Value: b.Count}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Ranging round trip", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title: "Round trip",
			Subtitle: fmt.Sprintf("n=%d mean=%.1fµs p50=%.1fµs p90=%.1fµs range≈%.1f%s",
				summary.Count, summary.Mean, summary.P50, summary.P90,
				units.ConvertDistance(summary.MeanDistance, distanceUnits), distanceUnits),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "µs", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "exchanges"}),
	)
	bar.SetXAxis(x).
		AddSeries("round trip", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(bar)
	return page.Render(w)
}

// Handler serves the turnaround report for the records returned by load.
// ?format=json returns the summary, samples and histogram as JSON; the
// default is an HTML chart. ?bins=N overrides the histogram resolution and
// ?units= picks the unit of the range estimate.
func Handler(load func() ([]correlate.Record, error), defaultBins int) http.Handler {
	if defaultBins < 1 {
		defaultBins = DefaultBins
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		bins := defaultBins
		if raw := r.URL.Query().Get("bins"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 1000 {
				httputil.BadRequest(w, "bins must be between 1 and 1000")
				return
			}
			bins = n
		}
		distanceUnits := units.Meters
		if u := r.URL.Query().Get("units"); u != "" {
			if !units.IsValid(u) {
				httputil.BadRequest(w, fmt.Sprintf("invalid units %q; must be one of: %s", u, units.GetValidUnitsString()))
				return
			}
			distanceUnits = u
		}

		records, err := load()
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		samples := Samples(records)
		if len(samples) == 0 {
			httputil.WriteJSONError(w, http.StatusNotFound, ErrNoSamples.Error())
			return
		}

		if r.URL.Query().Get("format") == "json" {
			summary, err := Summarise(samples)
			if err != nil {
				httputil.InternalServerError(w, err.Error())
				return
			}
			buckets, err := Histogram(samples, bins)
			if err != nil {
				httputil.InternalServerError(w, err.Error())
				return
			}
			httputil.WriteJSONOK(w, map[string]interface{}{
				"summary":       summary,
				"histogram":     buckets,
				"samples":       samples,
				"mean_distance": units.ConvertDistance(summary.MeanDistance, distanceUnits),
				"units":         distanceUnits,
			})
			return
		}

		var buf bytes.Buffer
		if err := RenderHistogramHTML(&buf, samples, bins, distanceUnits); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}
