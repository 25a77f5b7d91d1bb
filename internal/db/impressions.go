package db

import (
	"context"
	"fmt"
	"strings"
)

// Impression is a paired enter/exit span for one element and threshold label,
// produced by the ImpressionsWorker from raw visibility events.
type Impression struct {
	ImpressionID  int64   `json:"impression_id"`
	ImpressionKey string  `json:"impression_key"`
	SessionID     string  `json:"session_id"`
	ElementID     string  `json:"element_id"`
	Label         string  `json:"label"`
	EnterUnix     float64 `json:"enter_unix"`
	ExitUnix      float64 `json:"exit_unix"`
	DwellMs       float64 `json:"dwell_ms"`
	MaxRatio      float64 `json:"max_ratio"`
	ForcedExit    bool    `json:"forced_exit"`
	ModelVersion  string  `json:"model_version"`
}

// ImpressionFilter narrows ListImpressions. Zero values mean "no constraint".
type ImpressionFilter struct {
	SessionID string
	ElementID string
	Label     string
	Since     float64 // inclusive lower bound on enter_unix
	Until     float64 // exclusive upper bound on enter_unix
	Limit     int     // defaults to 500
}

// ListImpressions returns impressions newest-first by enter time.
func (db *DB) ListImpressions(ctx context.Context, f ImpressionFilter) ([]Impression, error) {
	conditions := []string{"1=1"}
	var args []any

	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ElementID != "" {
		conditions = append(conditions, "element_id = ?")
		args = append(args, f.ElementID)
	}
	if f.Label != "" {
		conditions = append(conditions, "label = ?")
		args = append(args, f.Label)
	}
	if f.Since > 0 {
		conditions = append(conditions, "enter_unix >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conditions = append(conditions, "enter_unix < ?")
		args = append(args, f.Until)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT impression_id, impression_key, session_id, element_id, label,
			enter_unix, exit_unix, dwell_ms, max_ratio, forced_exit, model_version
		FROM impressions
		WHERE %s
		ORDER BY enter_unix DESC, impression_id DESC
		LIMIT ?
	`, strings.Join(conditions, " AND "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var impressions []Impression
	for rows.Next() {
		var imp Impression
		var forced int
		if err := rows.Scan(
			&imp.ImpressionID, &imp.ImpressionKey, &imp.SessionID, &imp.ElementID, &imp.Label,
			&imp.EnterUnix, &imp.ExitUnix, &imp.DwellMs, &imp.MaxRatio, &forced, &imp.ModelVersion,
		); err != nil {
			return nil, err
		}
		imp.ForcedExit = forced != 0
		impressions = append(impressions, imp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return impressions, nil
}

// LabelCount carries per-label impression totals for the report charts.
type LabelCount struct {
	Label       string
	Impressions int64 // spans
	Elements    int64 // distinct (session, element) pairs
}

// ImpressionCountsByLabel returns, per label, the impression span count and
// the number of distinct (session, element) pairs in [since, until). Zero
// bounds are open.
func (db *DB) ImpressionCountsByLabel(ctx context.Context, since, until float64) ([]LabelCount, error) {
	conditions := []string{"1=1"}
	var args []any
	if since > 0 {
		conditions = append(conditions, "enter_unix >= ?")
		args = append(args, since)
	}
	if until > 0 {
		conditions = append(conditions, "enter_unix < ?")
		args = append(args, until)
	}

	query := fmt.Sprintf(`
		SELECT label, COUNT(*), COUNT(DISTINCT session_id || '|' || element_id)
		FROM impressions
		WHERE %s
		GROUP BY label
		ORDER BY label
	`, strings.Join(conditions, " AND "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []LabelCount
	for rows.Next() {
		var c LabelCount
		if err := rows.Scan(&c.Label, &c.Impressions, &c.Elements); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

// DwellsByLabel returns the dwell durations (ms) of impressions in
// [since, until), grouped by threshold label. Zero bounds are open.
func (db *DB) DwellsByLabel(ctx context.Context, since, until float64) (map[string][]float64, error) {
	conditions := []string{"1=1"}
	var args []any
	if since > 0 {
		conditions = append(conditions, "enter_unix >= ?")
		args = append(args, since)
	}
	if until > 0 {
		conditions = append(conditions, "enter_unix < ?")
		args = append(args, until)
	}

	query := fmt.Sprintf(`
		SELECT label, dwell_ms
		FROM impressions
		WHERE %s
		ORDER BY label, enter_unix
	`, strings.Join(conditions, " AND "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dwells := make(map[string][]float64)
	for rows.Next() {
		var label string
		var dwell float64
		if err := rows.Scan(&label, &dwell); err != nil {
			return nil, err
		}
		dwells[label] = append(dwells[label], dwell)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return dwells, nil
}
