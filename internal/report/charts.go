package report

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/viewability.report/internal/db"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// viridis ramp for visual maps, dark-theme friendly.
var visualMapColors = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// handleViewabilityChart renders a bar chart of impression counts and
// viewable rate per threshold label over the trailing window.
// Query params:
//   - days (optional; default 7)
func (rp *Reporter) handleViewabilityChart(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r, 7)
	if err != nil {
		rp.writeJSONError(w, http.StatusBadRequest, "Invalid 'days' parameter")
		return
	}
	since := float64(time.Now().Add(-time.Duration(days)*24*time.Hour).UnixNano()) / 1e9

	counts, err := rp.db.ImpressionCountsByLabel(r.Context(), since, 0)
	if err != nil {
		rp.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get impression counts: %v", err))
		return
	}
	if len(counts) == 0 {
		rp.writeJSONError(w, http.StatusNotFound, "no impressions in window")
		return
	}

	observed, err := rp.db.ObservedElements(r.Context(), since, 0)
	if err != nil {
		rp.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to count observed elements: %v", err))
		return
	}

	labels := make([]string, 0, len(counts))
	impressions := make([]opts.BarData, 0, len(counts))
	rates := make([]opts.BarData, 0, len(counts))
	for _, c := range counts {
		labels = append(labels, c.Label)
		impressions = append(impressions, opts.BarData{Value: c.Impressions})
		rate := 0.0
		if observed > 0 {
			rate = float64(c.Elements) / float64(observed) * 100
		}
		rates = append(rates, opts.BarData{Value: math.Round(rate*10) / 10})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Viewability by Label", Theme: "dark", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Viewability by Label", Subtitle: fmt.Sprintf("window=%dd observed=%d elements", days, observed)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).
		AddSeries("impressions", impressions,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("viewable %", rates,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		rp.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleDwellChart renders recent impressions as a scatter of dwell duration
// against age, colored by max intersection ratio.
// Query params:
//   - days (optional; default 7)
//   - limit (optional; default 1000, capped at 5000) to reduce payload size
func (rp *Reporter) handleDwellChart(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r, 7)
	if err != nil {
		rp.writeJSONError(w, http.StatusBadRequest, "Invalid 'days' parameter")
		return
	}

	limit := 1000
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 5000 {
			limit = parsed
		}
	}

	now := time.Now()
	since := float64(now.Add(-time.Duration(days)*24*time.Hour).UnixNano()) / 1e9

	imps, err := rp.db.ListImpressions(r.Context(), db.ImpressionFilter{Since: since, Limit: limit})
	if err != nil {
		rp.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get impressions: %v", err))
		return
	}
	if len(imps) == 0 {
		rp.writeJSONError(w, http.StatusNotFound, "no impressions in window")
		return
	}

	nowUnix := float64(now.UnixNano()) / 1e9
	pts := make([]opts.ScatterData, 0, len(imps))
	maxAge := 0.0
	maxDwell := 0.0
	for _, imp := range imps {
		age := (nowUnix - imp.ExitUnix) / 60.0
		if age < 0 {
			age = 0
		}
		if age > maxAge {
			maxAge = age
		}
		if imp.DwellMs > maxDwell {
			maxDwell = imp.DwellMs
		}
		pts = append(pts, opts.ScatterData{Value: []interface{}{age, imp.DwellMs, imp.MaxRatio}})
	}

	// Add a small padding so points at the edges are visible
	agePad := maxAge * 1.05
	if agePad == 0 {
		agePad = 1.0
	}
	dwellPad := maxDwell * 1.05
	if dwellPad == 0 {
		dwellPad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Dwell Durations", Theme: "dark", Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Dwell Durations", Subtitle: fmt.Sprintf("window=%dd points=%d", days, len(pts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: agePad, Name: "Age (min)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: dwellPad, Name: "Dwell (ms)", NameLocation: "middle", NameGap: 45}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: visualMapColors},
		}),
	)
	scatter.AddSeries("dwell", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		rp.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
