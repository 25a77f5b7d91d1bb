package db

import (
	"context"
	"fmt"
)

// Session is one tracked page session as stored in the sessions table.
type Session struct {
	SessionID    string  `json:"session_id"`
	PageURL      string  `json:"page_url"`
	UserAgent    string  `json:"user_agent"`
	StartedUnix  float64 `json:"started_unix"`
	LastSeenUnix float64 `json:"last_seen_unix"`
}

// UpsertSession inserts the session row, or refreshes last_seen_unix and the
// page metadata if the session already exists.
func (db *DB) UpsertSession(ctx context.Context, s Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, page_url, user_agent, started_unix, last_seen_unix)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			page_url = excluded.page_url,
			user_agent = excluded.user_agent,
			last_seen_unix = excluded.last_seen_unix
	`, s.SessionID, s.PageURL, s.UserAgent, s.StartedUnix, s.LastSeenUnix)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", s.SessionID, err)
	}
	return nil
}

// TouchSession advances last_seen_unix for an existing session. Unknown
// sessions are a no-op; ingest creates rows through UpsertSession.
func (db *DB) TouchSession(ctx context.Context, sessionID string, seenUnix float64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sessions SET last_seen_unix = ? WHERE session_id = ? AND last_seen_unix < ?`,
		seenUnix, sessionID, seenUnix)
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	return nil
}

// ListSessions returns sessions ordered by most recently seen.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, page_url, user_agent, started_unix, last_seen_unix
		FROM sessions
		ORDER BY last_seen_unix DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.SessionID, &s.PageURL, &s.UserAgent, &s.StartedUnix, &s.LastSeenUnix); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// GetSession fetches a single session row.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	err := db.QueryRowContext(ctx, `
		SELECT session_id, page_url, user_agent, started_unix, last_seen_unix
		FROM sessions
		WHERE session_id = ?
	`, sessionID).Scan(&s.SessionID, &s.PageURL, &s.UserAgent, &s.StartedUnix, &s.LastSeenUnix)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PruneSessions deletes sessions not seen since cutoffUnix and returns the
// number removed. Events and impressions are kept; they carry their own
// session_id and outlive the session row.
func (db *DB) PruneSessions(ctx context.Context, cutoffUnix float64) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_seen_unix < ?`, cutoffUnix)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return result.RowsAffected()
}
