package api

import (
	"fmt"
	"net/http"
)

// liveTail issues Server-Side Events (SSE) for every confirmed entry as it
// is broadcast. Lines are the same JSON rows /api/events serves.
func (s *Server) liveTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.sessions.Broadcaster().Subscribe()
	defer s.sessions.Broadcaster().Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	w.(http.Flusher).Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				// Channel closed, exit gracefully
				return
			}
			_, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload)))
			if err != nil {
				return
			}
			w.(http.Flusher).Flush()
		case <-r.Context().Done():
			return
		}
	}
}
