package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// VisibilityEvent is one observer callback entry as stored in the
// visibility_events table. Entering rows mark a threshold being satisfied;
// exit rows carry the dwell duration and, for forced exits, a ratio of -1.
type VisibilityEvent struct {
	EventID    int64           `json:"event_id,omitempty"`
	SessionID  string          `json:"session_id"`
	PageURL    string          `json:"page_url"`
	ElementID  string          `json:"element_id"`
	Token      string          `json:"token"`
	Label      string          `json:"label"`
	Entering   bool            `json:"entering"`
	Ratio      float64         `json:"ratio"`
	DurationMs float64         `json:"duration_ms"`
	EventUnix  float64         `json:"event_unix"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// InsertEvents writes a batch of events in one transaction. A batch from a
// single observer flush is stored atomically so downstream pairing never
// sees half a flush.
func (db *DB) InsertEvents(ctx context.Context, events []VisibilityEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			// ErrTxDone means transaction was already committed/rolled back
			log.Printf("warning: failed to rollback transaction: %v", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO visibility_events (
			session_id, page_url, element_id, token, label,
			entering, ratio, duration_ms, event_unix, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		entering := 0
		if e.Entering {
			entering = 1
		}
		if _, err := stmt.ExecContext(ctx,
			e.SessionID, e.PageURL, e.ElementID, e.Token, e.Label,
			entering, e.Ratio, e.DurationMs, e.EventUnix, payload,
		); err != nil {
			return fmt.Errorf("failed to insert event for %s/%s: %w", e.SessionID, e.ElementID, err)
		}
	}

	return tx.Commit()
}

// EventFilter narrows ListEvents. Zero values mean "no constraint".
type EventFilter struct {
	SessionID string
	ElementID string
	Label     string
	Since     float64 // inclusive lower bound on event_unix
	Until     float64 // exclusive upper bound on event_unix
	Limit     int     // defaults to 500
}

// ListEvents returns events newest-first.
func (db *DB) ListEvents(ctx context.Context, f EventFilter) ([]VisibilityEvent, error) {
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
		conditions = append(conditions, "event_unix >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conditions = append(conditions, "event_unix < ?")
		args = append(args, f.Until)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT event_id, session_id, page_url, element_id, token, label,
			entering, ratio, duration_ms, event_unix, payload
		FROM visibility_events
		WHERE %s
		ORDER BY event_unix DESC, event_id DESC
		LIMIT ?
	`, strings.Join(conditions, " AND "))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []VisibilityEvent
	for rows.Next() {
		var e VisibilityEvent
		var entering int
		var payload sql.NullString
		if err := rows.Scan(
			&e.EventID, &e.SessionID, &e.PageURL, &e.ElementID, &e.Token, &e.Label,
			&entering, &e.Ratio, &e.DurationMs, &e.EventUnix, &payload,
		); err != nil {
			return nil, err
		}
		e.Entering = entering != 0
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// CountEvents returns the total number of stored events.
func (db *DB) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visibility_events`).Scan(&n)
	return n, err
}

// ObservedElements counts distinct (session, element) pairs with any event in
// [since, until). Zero bounds are open. Used as the viewable-rate denominator.
func (db *DB) ObservedElements(ctx context.Context, since, until float64) (int64, error) {
	conditions := []string{"1=1"}
	var args []any
	if since > 0 {
		conditions = append(conditions, "event_unix >= ?")
		args = append(args, since)
	}
	if until > 0 {
		conditions = append(conditions, "event_unix < ?")
		args = append(args, until)
	}

	query := fmt.Sprintf(`
		SELECT COUNT(DISTINCT session_id || '|' || element_id)
		FROM visibility_events
		WHERE %s
	`, strings.Join(conditions, " AND "))

	var n int64
	err := db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// PruneEvents deletes events older than cutoffUnix and returns the number
// removed. Impressions derived from them are unaffected.
func (db *DB) PruneEvents(ctx context.Context, cutoffUnix float64) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM visibility_events WHERE event_unix < ?`, cutoffUnix)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return result.RowsAffected()
}
