package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type cancelRequest struct {
	SessionID string `json:"sessionId"`
}

// HandleCancel requests cancellation of a live session. A session that has
// already reached a terminal state by the time the request lands is reported
// as found=false with a 200; that race is part of normal operation.
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	const endpoint = "chat.cancel"
	start := time.Now()
	defer func() { s.metrics.RecordRequest(endpoint, time.Since(start)) }()

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.RecordError(endpoint)
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		s.metrics.RecordError(endpoint)
		s.respondError(w, http.StatusBadRequest, "missing_session_id", "sessionId is required")
		return
	}

	found := s.relay.Cancel(req.SessionID)
	s.metrics.RecordCancel(!found)
	s.debugf("chat.cancel session=%s found=%v", req.SessionID, found)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"sessionId": req.SessionID,
		"found":     found,
	})
}

// HandleSessionLookup returns the current state of one session, active or
// recently retired.
func (s *Server) HandleSessionLookup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.registry.Get(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}
