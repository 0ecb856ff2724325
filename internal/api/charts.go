package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/rallie-app/rallie/internal/court"
	"github.com/rallie-app/rallie/internal/courtplot"
	"github.com/rallie-app/rallie/internal/httputil"
	"github.com/rallie-app/rallie/internal/zone"
)

// defaultPlotPositions is how many recent positions /api/court.png draws.
const defaultPlotPositions = 50

var heatmapColors = []string{"#440154", "#3e4989", "#26828e", "#35b779", "#b5de2b", "#fde725"}

// handleZoneChart renders zone hit counts as a heatmap over the grid, plus
// the fallback count and launcher response tally as bars.
func (s *Server) handleZoneChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "zone statistics require a database")
		return
	}
	counts, err := s.db.ZoneCounts()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load zone counts: %v", err))
		return
	}
	responses, err := s.db.ResponseCounts()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load response counts: %v", err))
		return
	}

	hits := make(map[zone.ID]int, len(counts))
	fallbacks := 0
	for _, c := range counts {
		fallbacks += c.Fallbacks
		if c.Zone != zone.None {
			hits[c.Zone] = c.Count
		}
	}

	g := s.grid
	points := make([]opts.ScatterData, 0, g.Count())
	maxHits := 1
	for i := 0; i < g.Count(); i++ {
		n := hits[zone.ID(i)]
		if n > maxHits {
			maxHits = n
		}
		points = append(points, opts.ScatterData{
			Name:  zone.ID(i).String(),
			Value: []interface{}{i % g.Cols, i / g.Cols, n},
		})
	}

	heat := charts.NewScatter()
	heat.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Zone hits", Width: "720px", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Zone hits", Subtitle: fmt.Sprintf("%d×%d grid, %d fallbacks", g.Cols, g.Rows, fallbacks)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -0.5, Max: float64(g.Cols) - 0.5, Name: "column", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -0.5, Max: float64(g.Rows) - 0.5, Name: "row (service line to baseline)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxHits),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: heatmapColors},
		}),
	)
	heat.AddSeries("hits", points, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 60}))

	kinds := make([]string, 0, len(responses))
	for k := range responses {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	bars := make([]opts.BarData, 0, len(kinds))
	for _, k := range kinds {
		bars = append(bars, opts.BarData{Value: responses[k]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "720px", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Launcher responses"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(kinds).
		AddSeries("responses", bars,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.AddCharts(heat, bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCourtPlot draws the court with recent positions. Query params:
//   - limit: number of recent dispatches to draw (default 50)
//   - format: png (default) or svg
func (s *Server) handleCourtPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := defaultPlotPositions
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	format := r.URL.Query().Get("format")
	contentType := "image/png"
	switch format {
	case "", "png":
		format = "png"
	case "svg":
		contentType = "image/svg+xml"
	default:
		httputil.BadRequest(w, fmt.Sprintf("unsupported format %q", format))
		return
	}

	positions, err := s.recentPositions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load positions: %v", err))
		return
	}
	plotOpts := courtplot.Options{Grid: s.grid, Positions: positions, Labels: true}
	if last := s.dispatcher.Last(); last != nil && last.Zone != zone.None {
		plotOpts.Highlight = []zone.ID{last.Zone}
	}

	var buf bytes.Buffer
	if err := courtplot.Write(&buf, plotOpts, format, 0, 0); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

// recentPositions returns court positions oldest first, from the database
// when there is one and from the last dispatch otherwise.
func (s *Server) recentPositions(limit int) ([]court.Point, error) {
	if s.db == nil {
		if last := s.dispatcher.Last(); last != nil && last.Court != nil {
			return []court.Point{*last.Court}, nil
		}
		return nil, nil
	}
	records, err := s.db.RecentDispatches(limit)
	if err != nil {
		return nil, err
	}
	positions := make([]court.Point, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if p := records[i].Court; p != nil {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}
