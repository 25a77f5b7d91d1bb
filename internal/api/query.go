package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/viewability.report/internal/db"
	"github.com/banshee-data/viewability.report/internal/stats"
)

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

func floatParam(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return f, nil
}

// eventFilter assembles the shared session/element/label/since/until/limit
// query parameters.
func eventFilter(r *http.Request) (db.EventFilter, string) {
	q := r.URL.Query()
	f := db.EventFilter{
		SessionID: q.Get("session"),
		ElementID: q.Get("element"),
		Label:     q.Get("label"),
	}
	var err error
	if f.Since, err = floatParam(r, "since"); err != nil {
		return f, "since"
	}
	if f.Until, err = floatParam(r, "until"); err != nil {
		return f, "until"
	}
	if f.Limit, err = intParam(r, "limit", 0); err != nil {
		return f, "limit"
	}
	return f, ""
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	filter, bad := eventFilter(r)
	if bad != "" {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid '%s' parameter", bad))
		return
	}

	events, err := s.db.ListEvents(r.Context(), filter)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}
	if events == nil {
		events = []db.VisibilityEvent{}
	}

	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write events")
		return
	}
}

func (s *Server) listImpressions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ef, bad := eventFilter(r)
	if bad != "" {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid '%s' parameter", bad))
		return
	}
	filter := db.ImpressionFilter{
		SessionID: ef.SessionID,
		ElementID: ef.ElementID,
		Label:     ef.Label,
		Since:     ef.Since,
		Until:     ef.Until,
		Limit:     ef.Limit,
	}

	impressions, err := s.db.ListImpressions(r.Context(), filter)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve impressions: %v", err))
		return
	}
	if impressions == nil {
		impressions = []db.Impression{}
	}

	if err := json.NewEncoder(w).Encode(impressions); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write impressions")
		return
	}
}

// viewabilityStats is the /api/stats/viewability response: per-label dwell
// summaries over the trailing window.
type viewabilityStats struct {
	Days   int                      `json:"days"`
	Since  float64                  `json:"since"`
	Labels map[string]stats.Summary `json:"labels"`
}

func (s *Server) showViewabilityStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	days := 1 // default value
	if d := r.URL.Query().Get("days"); d != "" {
		parsedDays, err := strconv.Atoi(d)
		if err != nil || parsedDays < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'days' parameter")
			return
		}
		days = parsedDays
	}
	since := float64(time.Now().Add(-time.Duration(days)*24*time.Hour).UnixNano()) / 1e9

	dwells, err := s.db.DwellsByLabel(r.Context(), since, 0)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve viewability stats: %v", err))
		return
	}

	out := viewabilityStats{
		Days:   days,
		Since:  since,
		Labels: make(map[string]stats.Summary, len(dwells)),
	}
	for label, values := range dwells {
		out.Labels[label] = stats.Summarize(values)
	}

	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write viewability stats")
		return
	}
}
