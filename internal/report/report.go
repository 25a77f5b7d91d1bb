// Package report renders operator dashboards over the impression store using
// go-echarts. These are plain server-rendered HTML pages for debugging and
// ops review, not part of the beacon API surface.
package report

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"

	"github.com/banshee-data/viewability.report/internal/db"
)

// echartsAssetsPrefix points rendered pages at the public go-echarts asset
// host. Air-gapped deployments can rebuild with a local mirror.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Reporter serves the /report/ chart pages.
type Reporter struct {
	db *db.DB
}

func NewReporter(database *db.DB) *Reporter {
	return &Reporter{db: database}
}

// Attach mounts the report routes on the mux.
func (rp *Reporter) Attach(mux *http.ServeMux) {
	mux.HandleFunc("/report/", rp.handleDashboard)
	mux.HandleFunc("/report/viewability", rp.handleViewabilityChart)
	mux.HandleFunc("/report/dwell", rp.handleDwellChart)
}

func (rp *Reporter) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// daysParam parses the shared ?days= window parameter. Zero and negative
// windows are rejected; absent means the default.
func daysParam(r *http.Request, def int) (int, error) {
	d := r.URL.Query().Get("days")
	if d == "" {
		return def, nil
	}
	days, err := strconv.Atoi(d)
	if err != nil || days < 1 {
		return 0, fmt.Errorf("invalid days %q", d)
	}
	return days, nil
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
	<title>Viewability Reports</title>
	<style>
		body { background: #111; color: #ddd; font-family: sans-serif; margin: 1em; }
		a { color: #6ec6ff; }
		iframe { border: 1px solid #333; background: #1e1e1e; width: 100%%; height: 760px; margin-bottom: 1em; }
	</style>
</head>
<body>
	<h1>Viewability Reports <small>(last %s days)</small></h1>
	<p>
		<a href="/api/live">live event tail</a> &middot;
		<a href="/api/stats/viewability%s">stats JSON</a> &middot;
		<a href="/debug/">debug</a>
	</p>
	<iframe src="/report/viewability%s"></iframe>
	<iframe src="/report/dwell%s"></iframe>
</body>
</html>`

// handleDashboard renders a shell page with iframes to the charts, so a
// browser tab can sit on one URL and refresh everything together.
func (rp *Reporter) handleDashboard(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r, 7)
	if err != nil {
		rp.writeJSONError(w, http.StatusBadRequest, "Invalid 'days' parameter")
		return
	}

	qs := "?days=" + url.QueryEscape(strconv.Itoa(days))
	safeQs := html.EscapeString(qs)

	doc := fmt.Sprintf(dashboardHTML, html.EscapeString(strconv.Itoa(days)), safeQs, safeQs, safeQs)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}
