// Package httpserver exposes the relay's REST surface: the streaming chat
// endpoint, the cancel endpoint, and the health/metrics diagnostics.
package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chatrelay/chatrelay-gateway/internal/breaker"
	"github.com/chatrelay/chatrelay-gateway/internal/metrics"
	"github.com/chatrelay/chatrelay-gateway/internal/relay"
	"github.com/chatrelay/chatrelay-gateway/internal/session"
)

// Server exposes REST endpoints for the chat relay.
type Server struct {
	relay    *relay.Relay
	registry *session.Registry
	breaker  *breaker.Breaker
	metrics  *metrics.Collector

	logger   *log.Logger
	logLevel string
}

// Options wires the server's collaborators.
type Options struct {
	Relay    *relay.Relay
	Registry *session.Registry
	Breaker  *breaker.Breaker
	Metrics  *metrics.Collector
	Logger   *log.Logger
	LogLevel string
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	m := opts.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	return &Server{
		relay:    opts.Relay,
		registry: opts.Registry,
		breaker:  opts.Breaker,
		metrics:  m,
		logger:   opts.Logger,
		logLevel: opts.LogLevel,
	}
}

// Router builds the chi router with all endpoints registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/chat/stream", s.HandleChatStream)
	r.Post("/v1/chat/cancel", s.HandleCancel)
	r.Get("/v1/sessions/{sessionID}", s.HandleSessionLookup)
	r.Get("/health", s.HandleHealth)
	r.Get("/metrics", s.HandleMetrics)
	return r
}

// HTTPServer wraps the router in an http.Server bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg, "code": code})
}

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil && strings.EqualFold(s.logLevel, "debug") {
		s.logger.Printf(format, args...)
	}
}
