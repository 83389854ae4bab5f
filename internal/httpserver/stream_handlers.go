package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/chatrelay/chatrelay-gateway/internal/relay"
	"github.com/chatrelay/chatrelay-gateway/internal/session"
	"github.com/chatrelay/chatrelay-gateway/internal/upstream"
)

// streamRequest is the inbound body for /v1/chat/stream. The session id is
// caller-supplied; its absence is a client error.
type streamRequest struct {
	Message             string        `json:"message"`
	ConversationHistory []historyTurn `json:"conversationHistory"`
	SessionID           string        `json:"sessionId"`
	UserID              string        `json:"userId"`
	Model               string        `json:"model"`
}

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// countingWriter wraps the SSE writer to tally forwarded volume for metrics.
type countingWriter struct {
	relay.EventWriter
	chunks int64
	chars  int64
}

func (c *countingWriter) WriteEvent(ev relay.Event) error {
	if ev.Kind == relay.EventChunk {
		c.chunks++
		c.chars += int64(len(ev.Payload.(relay.ChunkPayload).Text))
	}
	return c.EventWriter.WriteEvent(ev)
}

// HandleChatStream is the streaming chat endpoint registered on the router.
func (s *Server) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	const endpoint = "chat.stream"
	reqStart := time.Now()
	s.metrics.RecordRequestStart(endpoint)
	defer s.metrics.RecordRequestEnd(endpoint)
	defer func() { s.metrics.RecordRequest(endpoint, time.Since(reqStart)) }()

	// Gate before any resource allocation.
	if s.breaker != nil && s.breaker.IsOpen() {
		s.metrics.RecordBreakerRejection()
		s.respondJSON(w, http.StatusServiceUnavailable, s.breaker.FallbackPayload())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.metrics.RecordError(endpoint)
		s.respondError(w, http.StatusBadRequest, "bad_request", "unable to read request body")
		return
	}
	var req streamRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.metrics.RecordError(endpoint)
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		s.metrics.RecordError(endpoint)
		s.respondError(w, http.StatusBadRequest, "missing_session_id", "sessionId is required")
		return
	}
	if req.Message == "" {
		s.metrics.RecordError(endpoint)
		s.respondError(w, http.StatusBadRequest, "missing_message", "message is required")
		return
	}

	history := make([]upstream.Message, 0, len(req.ConversationHistory))
	for _, h := range req.ConversationHistory {
		history = append(history, upstream.Message{Role: h.Role, Content: h.Content})
	}

	cw := &countingWriter{EventWriter: relay.NewSSEWriter(w)}
	state, err := s.relay.Serve(r.Context(), cw, relay.Params{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Message:   req.Message,
		History:   history,
		Model:     req.Model,
	})
	if err != nil {
		s.metrics.RecordError(endpoint)
		switch {
		case errors.Is(err, session.ErrDuplicateSession):
			s.respondError(w, http.StatusConflict, "duplicate_session", "session id is already active")
		case errors.Is(err, relay.ErrMissingSessionID), errors.Is(err, relay.ErrMissingMessage):
			s.respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, "internal", "stream setup failed")
		}
		return
	}

	s.metrics.RecordStreamOutcome(string(state), cw.chunks, cw.chars)
	if s.logger != nil {
		s.logger.Printf("chat.stream session=%s outcome=%s chunks=%d chars=%d total_ms=%d",
			req.SessionID, state, cw.chunks, cw.chars, time.Since(reqStart).Milliseconds())
	}
}
