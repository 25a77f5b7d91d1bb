package db

import (
	"context"
	"fmt"
	"strings"
)

// Rollup is one hourly dwell summary row for a threshold label.
type Rollup struct {
	BucketUnix   int64   `json:"bucket_unix"`
	Label        string  `json:"label"`
	Impressions  int64   `json:"impressions"`
	MeanDwellMs  float64 `json:"mean_dwell_ms"`
	P50DwellMs   float64 `json:"p50_dwell_ms"`
	P85DwellMs   float64 `json:"p85_dwell_ms"`
	P98DwellMs   float64 `json:"p98_dwell_ms"`
	MaxDwellMs   float64 `json:"max_dwell_ms"`
	ModelVersion string  `json:"model_version"`
}

// RollupFilter narrows ListRollups. Zero values mean "no constraint".
type RollupFilter struct {
	Label string
	Since int64 // inclusive lower bound on bucket_unix
	Until int64 // exclusive upper bound on bucket_unix
	Limit int   // defaults to 720 buckets (30 days of hours)
}

// ListRollups returns rollups in ascending bucket order, ready for charting.
func (db *DB) ListRollups(ctx context.Context, f RollupFilter) ([]Rollup, error) {
	conditions := []string{"1=1"}
	var args []any

	if f.Label != "" {
		conditions = append(conditions, "label = ?")
		args = append(args, f.Label)
	}
	if f.Since > 0 {
		conditions = append(conditions, "bucket_unix >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conditions = append(conditions, "bucket_unix < ?")
		args = append(args, f.Until)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 720
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT bucket_unix, label, impressions,
			mean_dwell_ms, p50_dwell_ms, p85_dwell_ms, p98_dwell_ms, max_dwell_ms,
			model_version
		FROM viewability_rollups
		WHERE %s
		ORDER BY bucket_unix ASC, label ASC
		LIMIT ?
	`, strings.Join(conditions, " AND "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rollups []Rollup
	for rows.Next() {
		var r Rollup
		if err := rows.Scan(
			&r.BucketUnix, &r.Label, &r.Impressions,
			&r.MeanDwellMs, &r.P50DwellMs, &r.P85DwellMs, &r.P98DwellMs, &r.MaxDwellMs,
			&r.ModelVersion,
		); err != nil {
			return nil, err
		}
		rollups = append(rollups, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rollups, nil
}

// RollupLabels returns the distinct labels present in the rollups table.
func (db *DB) RollupLabels(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT label FROM viewability_rollups ORDER BY label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return labels, nil
}
