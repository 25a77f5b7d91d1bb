package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/banshee-data/viewability.report/internal/stats"
)

// ImpressionsWorker periodically scans recent visibility_events, pairs
// entering/exit rows into impressions, and refreshes the hourly
// viewability_rollups for the hours it touched. Designed to run every
// 5 minutes over the last 15 minutes (the overlap lets a later run extend
// or correct impressions near the window edge).
type ImpressionsWorker struct {
	DB           *DB
	ModelVersion string
	Interval     time.Duration // how often to run (e.g., 5m)
	Window       time.Duration // lookback window (e.g., 15m)
	StopChan     chan struct{}
}

func NewImpressionsWorker(db *DB, modelVersion string) *ImpressionsWorker {
	return &ImpressionsWorker{
		DB:           db,
		ModelVersion: modelVersion,
		Interval:     5 * time.Minute,
		Window:       15 * time.Minute,
		StopChan:     make(chan struct{}),
	}
}

// Start runs the periodic worker loop in a goroutine.
func (w *ImpressionsWorker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.RunOnce(context.Background()); err != nil {
					log.Printf("impressions worker run error: %v", err)
				}
			case <-w.StopChan:
				return
			}
		}
	}()
}

// Stop requests the worker to stop.
func (w *ImpressionsWorker) Stop() {
	close(w.StopChan)
}

// RunOnce scans the last w.Window and upserts impressions.
func (w *ImpressionsWorker) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	end := float64(now.Unix())
	start := float64(now.Add(-w.Window).Unix())

	return w.RunRange(ctx, start, end)
}

// RunFullHistory scans the full available visibility_events range and
// rebuilds impressions. This is the repair path for spans longer than the
// window overlap, which RunOnce cannot pair.
func (w *ImpressionsWorker) RunFullHistory(ctx context.Context) error {
	var start sql.NullFloat64
	var end sql.NullFloat64
	if err := w.DB.QueryRowContext(ctx, `SELECT MIN(event_unix), MAX(event_unix) FROM visibility_events`).Scan(&start, &end); err != nil {
		return err
	}
	if !start.Valid || !end.Valid {
		log.Printf("Impressions worker full-history run skipped (no events)")
		return nil
	}
	if start.Float64 > end.Float64 {
		log.Printf("Impressions worker full-history run skipped (invalid range): start=%v end=%v", start.Float64, end.Float64)
		return nil
	}
	return w.RunRange(ctx, start.Float64, end.Float64)
}

// pairKey identifies one threshold state machine within a session.
type pairKey struct {
	SessionID string
	ElementID string
	Label     string
}

// eventRow is the subset of a visibility event the pairing pass needs.
type eventRow struct {
	EventID    int64
	SessionID  string
	ElementID  string
	Label      string
	Entering   bool
	Ratio      float64
	DurationMs float64
	EventUnix  float64
}

// RunRange scans the provided [start,end] (unix seconds as float64), pairs
// events into impressions, and refreshes rollups for the touched hours.
func (w *ImpressionsWorker) RunRange(ctx context.Context, start, end float64) error {
	tx, err := w.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			// ErrTxDone means transaction was already committed/rolled back
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()

	// Delete overlapping impressions with the same model_version before
	// inserting. This handles re-runs and window overlaps, preventing
	// duplicates. We delete impressions that:
	// 1. Enter within the processing range, OR
	// 2. Exit within the processing range, OR
	// 3. Span the entire processing range
	deleteQuery := `
		DELETE FROM impressions
		WHERE model_version = ?
		  AND (
			  (enter_unix BETWEEN ? AND ?)
			  OR (exit_unix BETWEEN ? AND ?)
			  OR (enter_unix <= ? AND exit_unix >= ?)
		  )
	`
	result, err := tx.ExecContext(ctx, deleteQuery,
		w.ModelVersion,
		start, end, // impression enters in range
		start, end, // impression exits in range
		start, end, // impression spans entire range
	)
	if err != nil {
		return fmt.Errorf("failed to delete overlapping impressions: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Printf("Impressions worker: deleted %d overlapping %s impressions in range [%v, %v]",
			deleted, w.ModelVersion, start, end)
	}

	// Query events in the window, ordered so each state machine's events
	// arrive in sequence.
	q := `
		SELECT
			event_id,
			session_id,
			element_id,
			label,
			entering,
			ratio,
			duration_ms,
			event_unix
		FROM
			visibility_events
		WHERE
			event_unix BETWEEN ? AND ?
		ORDER BY
			session_id, element_id, label, event_unix, event_id
	`

	rows, err := tx.QueryContext(ctx, q, start, end)
	if err != nil {
		return err
	}
	defer rows.Close()

	var events []eventRow
	for rows.Next() {
		var e eventRow
		var entering int
		if err := rows.Scan(&e.EventID, &e.SessionID, &e.ElementID, &e.Label,
			&entering, &e.Ratio, &e.DurationMs, &e.EventUnix); err != nil {
			return err
		}
		e.Entering = entering != 0
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Pair entering rows with the next exit row per state machine. A second
	// enter with no intervening exit replaces the open one (the exit was
	// lost); an exit with no open enter is skipped (its enter fell before
	// the window, RunFullHistory repairs those).
	type span struct {
		Enter eventRow
		Exit  eventRow
	}

	open := make(map[pairKey]eventRow)
	var spans []span
	for _, e := range events {
		key := pairKey{e.SessionID, e.ElementID, e.Label}
		if e.Entering {
			open[key] = e
			continue
		}
		enter, ok := open[key]
		if !ok {
			continue
		}
		delete(open, key)
		spans = append(spans, span{Enter: enter, Exit: e})
	}
	// Open enters at the end of the window stay unpaired; a later run with
	// an overlapping window picks them up once their exit arrives.

	// Upsert impressions.
	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO impressions (
			impression_key,
			session_id,
			element_id,
			label,
			enter_unix,
			exit_unix,
			dwell_ms,
			max_ratio,
			forced_exit,
			model_version,
			created_at,
			updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'), UNIXEPOCH('subsec')
		)
		ON CONFLICT(impression_key) DO UPDATE SET
			exit_unix = excluded.exit_unix,
			dwell_ms = excluded.dwell_ms,
			max_ratio = excluded.max_ratio,
			forced_exit = excluded.forced_exit,
			model_version = excluded.model_version,
			updated_at = UNIXEPOCH('subsec')
	`)
	if err != nil {
		return err
	}
	defer upsertStmt.Close()

	// generate stable impression keys using SHA1(session|element|label|enter_ms|model_version)
	// Note: we intentionally omit the exit time so the key doesn't change when
	// a re-run pairs the same enter with a corrected exit

	type bucketKey struct {
		Bucket int64
		Label  string
	}
	touched := make(map[bucketKey]bool)

	for _, sp := range spans {
		enterMs := int64(math.Floor(sp.Enter.EventUnix * 1000.0))
		keyRaw := fmt.Sprintf("%s|%s|%s|%d|%s",
			sp.Enter.SessionID, sp.Enter.ElementID, sp.Enter.Label, enterMs, w.ModelVersion)
		sum := sha1.Sum([]byte(keyRaw))
		impressionKey := fmt.Sprintf("%x", sum)

		maxRatio := math.Max(sp.Enter.Ratio, sp.Exit.Ratio)
		forcedExit := 0
		if sp.Exit.Ratio < 0 {
			forcedExit = 1
		}

		_, err := upsertStmt.ExecContext(ctx,
			impressionKey,
			sp.Enter.SessionID,
			sp.Enter.ElementID,
			sp.Enter.Label,
			sp.Enter.EventUnix,
			sp.Exit.EventUnix,
			sp.Exit.DurationMs,
			maxRatio,
			forcedExit,
			w.ModelVersion,
		)
		if err != nil {
			return err
		}

		bucket := int64(math.Floor(sp.Enter.EventUnix/3600.0)) * 3600
		touched[bucketKey{bucket, sp.Enter.Label}] = true
	}

	// Refresh hourly rollups for each touched (hour, label). The re-select
	// sees this transaction's own upserts, so a rollup always reflects the
	// full hour, not just this window's spans.
	rollupStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO viewability_rollups (
			bucket_unix,
			label,
			impressions,
			mean_dwell_ms,
			p50_dwell_ms,
			p85_dwell_ms,
			p98_dwell_ms,
			max_dwell_ms,
			model_version,
			created_at,
			updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, UNIXEPOCH('subsec'), UNIXEPOCH('subsec')
		)
		ON CONFLICT(bucket_unix, label, model_version) DO UPDATE SET
			impressions = excluded.impressions,
			mean_dwell_ms = excluded.mean_dwell_ms,
			p50_dwell_ms = excluded.p50_dwell_ms,
			p85_dwell_ms = excluded.p85_dwell_ms,
			p98_dwell_ms = excluded.p98_dwell_ms,
			max_dwell_ms = excluded.max_dwell_ms,
			updated_at = UNIXEPOCH('subsec')
	`)
	if err != nil {
		return err
	}
	defer rollupStmt.Close()

	for bk := range touched {
		dwellRows, err := tx.QueryContext(ctx, `
			SELECT dwell_ms
			FROM impressions
			WHERE model_version = ?
			  AND label = ?
			  AND enter_unix >= ?
			  AND enter_unix < ?
		`, w.ModelVersion, bk.Label, float64(bk.Bucket), float64(bk.Bucket+3600))
		if err != nil {
			return err
		}

		var dwells []float64
		for dwellRows.Next() {
			var d float64
			if err := dwellRows.Scan(&d); err != nil {
				dwellRows.Close()
				return err
			}
			dwells = append(dwells, d)
		}
		if err := dwellRows.Err(); err != nil {
			dwellRows.Close()
			return err
		}
		dwellRows.Close()

		summary := stats.Summarize(dwells)
		if _, err := rollupStmt.ExecContext(ctx,
			bk.Bucket,
			bk.Label,
			summary.Count,
			summary.Mean,
			summary.P50,
			summary.P85,
			summary.P98,
			summary.Max,
			w.ModelVersion,
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return nil
}

// MigrateModelVersion replaces all impressions from oldVersion with the
// worker's current ModelVersion by deleting old rows and re-running over
// full history.
func (w *ImpressionsWorker) MigrateModelVersion(ctx context.Context, oldVersion string) error {
	if oldVersion == w.ModelVersion {
		return fmt.Errorf("old and new model versions must differ (both are %q)", oldVersion)
	}

	log.Printf("Impressions worker: migrating from %s to %s", oldVersion, w.ModelVersion)

	result, err := w.DB.ExecContext(ctx,
		`DELETE FROM impressions WHERE model_version = ?`,
		oldVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old version impressions: %w", err)
	}

	deleted, _ := result.RowsAffected()
	log.Printf("Impressions worker: deleted %d %s impressions", deleted, oldVersion)

	if _, err := w.DB.ExecContext(ctx,
		`DELETE FROM viewability_rollups WHERE model_version = ?`,
		oldVersion,
	); err != nil {
		return fmt.Errorf("failed to delete old version rollups: %w", err)
	}

	// Re-run over full history with new version
	return w.RunFullHistory(ctx)
}

// DeleteAllImpressions removes all impressions and rollups for a given
// model version.
func (w *ImpressionsWorker) DeleteAllImpressions(ctx context.Context, modelVersion string) (int64, error) {
	result, err := w.DB.ExecContext(ctx,
		`DELETE FROM impressions WHERE model_version = ?`,
		modelVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete impressions: %w", err)
	}
	if _, err := w.DB.ExecContext(ctx,
		`DELETE FROM viewability_rollups WHERE model_version = ?`,
		modelVersion,
	); err != nil {
		return 0, fmt.Errorf("failed to delete rollups: %w", err)
	}
	return result.RowsAffected()
}
