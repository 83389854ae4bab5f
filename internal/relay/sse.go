package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// EventWriter is the push channel the relay emits normalized events to.
// SSEWriter implements it over HTTP; tests substitute a recording writer.
type EventWriter interface {
	WriteEvent(ev Event) error
	// Ping sends a keepalive comment during idle stretches.
	Ping() error
}

// SSEWriter encodes events as text/event-stream frames of the form
// "event: <kind>\ndata: <json>\n\n" and flushes after every write.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares w for server-sent events and returns the writer.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// WriteEvent encodes one event frame.
func (s *SSEWriter) WriteEvent(ev Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("relay: encode %s payload: %w", ev.Kind, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Ping writes an SSE comment to keep intermediaries from timing out the
// connection.
func (s *SSEWriter) Ping() error {
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
