package httpserver

import (
	"net/http"
	"time"

	"github.com/chatrelay/chatrelay-gateway/internal/metrics"
	"github.com/chatrelay/chatrelay-gateway/internal/version"
)

// healthWindow is the session-metrics window reported by /health.
const healthWindow = time.Hour

// HandleHealth reports process liveness plus the upstream breaker state and a
// one-hour session summary. The endpoint itself is 200 even while the
// upstream is down; status distinguishes ok from degraded.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	body := map[string]any{
		"status":  status,
		"version": version.Info(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		if s.breaker.IsOpen() {
			status = "degraded"
		}
		body["upstream"] = snap
	}
	if s.registry != nil {
		body["sessions"] = s.registry.Metrics(healthWindow)
	}
	body["status"] = status
	s.respondJSON(w, http.StatusOK, body)
}

// HandleMetrics serves the counters in Prometheus text exposition format.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}
