package web

import "net/http"

// apiQueueStats counts queue rows by status, optionally narrowed with
// ?host_id= and ?direction= query parameters.
func (s *Server) apiQueueStats(w http.ResponseWriter, r *http.Request) {
	var hostID, direction *string
	if v := r.URL.Query().Get("host_id"); v != "" {
		hostID = &v
	}
	if v := r.URL.Query().Get("direction"); v != "" {
		direction = &v
	}
	writeJSON(w, http.StatusOK, s.deps.Queue.GetStats(r.Context(), hostID, direction))
}

func (s *Server) apiQueueFailed(w http.ResponseWriter, r *http.Request) {
	msgs := s.deps.Queue.GetFailedMessages(r.Context(), 100)
	writeJSON(w, http.StatusOK, map[string]any{"count": len(msgs), "messages": msgs})
}
