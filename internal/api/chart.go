package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/safezone/internal/httputil"
)

// transitionsChart renders recorded transitions as a longitude/latitude
// scatter, one series per transition type. Debug only.
// Query params:
//   - limit (optional; default db.DefaultTransitionLimit)
func (s *Server) transitionsChart(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	records, err := s.transitions.RecentTransitions(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to retrieve transitions: %v", err))
		return
	}

	series := map[string][]opts.ScatterData{}
	minLat, maxLat := math.Inf(1), math.Inf(-1)
	minLon, maxLon := math.Inf(1), math.Inf(-1)
	for _, rec := range records {
		series[rec.Type] = append(series[rec.Type], opts.ScatterData{
			Name:  fmt.Sprintf("%s %s", rec.Zone, rec.ReceivedAt.Format("2006-01-02 15:04:05")),
			Value: []interface{}{rec.Longitude, rec.Latitude},
		})
		minLat, maxLat = math.Min(minLat, rec.Latitude), math.Max(maxLat, rec.Latitude)
		minLon, maxLon = math.Min(minLon, rec.Longitude), math.Max(maxLon, rec.Longitude)
	}

	// Pad the bounds so single points and edge points stay visible.
	if len(records) == 0 {
		minLat, maxLat, minLon, maxLon = -1, 1, -1, 1
	}
	padLat := math.Max((maxLat-minLat)*0.05, 0.0005)
	padLon := math.Max((maxLon-minLon)*0.05, 0.0005)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Zone transitions", Theme: "dark", Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Zone transitions", Subtitle: fmt.Sprintf("points=%d", len(records))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: minLon - padLon, Max: maxLon + padLon, Name: "Longitude", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: minLat - padLat, Max: maxLat + padLat, Name: "Latitude", NameLocation: "middle", NameGap: 40}),
	)
	for _, name := range []string{"zone_enter", "zone_exit"} {
		scatter.AddSeries(name, series[name], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
