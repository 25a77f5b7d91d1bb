package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/viewability.report/internal/session"
)

// createSessionRequest is the POST /api/sessions body. UserAgent falls back
// to the request header when omitted.
type createSessionRequest struct {
	PageURL   string `json:"page_url"`
	UserAgent string `json:"user_agent,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.PageURL == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'page_url'")
		return
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	sess, err := s.sessions.Create(r.Context(), req.PageURL, req.UserAgent)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to create session: %v", err))
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"session_id": sess.ID,
		"page_url":   sess.PageURL,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
		return
	}

	sessions, err := s.db.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write sessions")
		return
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var batch session.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if batch.SessionID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'session_id'")
		return
	}

	delivered, err := s.sessions.Ingest(r.Context(), batch)
	switch {
	case errors.Is(err, session.ErrNoSession):
		s.writeJSONError(w, http.StatusNotFound, "Unknown session")
		return
	case errors.Is(err, session.ErrSessionClosed):
		s.writeJSONError(w, http.StatusGone, "Session closed")
		return
	case err != nil:
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("Failed to apply batch: %v", err))
		return
	}

	json.NewEncoder(w).Encode(map[string]int{"delivered": delivered})
}
