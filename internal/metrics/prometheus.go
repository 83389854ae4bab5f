package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	// Process uptime
	sb.WriteString("# HELP relay_uptime_seconds Time since the relay started\n")
	sb.WriteString("# TYPE relay_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("relay_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	// Total requests by endpoint
	sb.WriteString("# HELP relay_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE relay_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		count := snap.TotalRequests[endpoint]
		sb.WriteString(fmt.Sprintf("relay_requests_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request errors by endpoint
	sb.WriteString("# HELP relay_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE relay_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		count := snap.RequestErrors[endpoint]
		sb.WriteString(fmt.Sprintf("relay_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Requests in progress
	sb.WriteString("# HELP relay_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE relay_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		count := snap.RequestsInProgress[endpoint]
		if count > 0 { // Only show active endpoints
			sb.WriteString(fmt.Sprintf("relay_requests_in_progress{endpoint=\"%s\"} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	// Request duration (average)
	sb.WriteString("# HELP relay_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE relay_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		duration := snap.TotalRequestsDur[endpoint]
		sb.WriteString(fmt.Sprintf("relay_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, duration))
	}
	sb.WriteString("\n")

	// Stream outcomes
	sb.WriteString("# HELP relay_stream_outcomes_total Terminal session outcomes by state\n")
	sb.WriteString("# TYPE relay_stream_outcomes_total counter\n")
	for _, outcome := range sortedKeys(snap.StreamOutcomes) {
		count := snap.StreamOutcomes[outcome]
		sb.WriteString(fmt.Sprintf("relay_stream_outcomes_total{outcome=\"%s\"} %d\n", outcome, count))
	}
	sb.WriteString("\n")

	// Relayed volume
	sb.WriteString("# HELP relay_chunks_total Total chunk events forwarded to clients\n")
	sb.WriteString("# TYPE relay_chunks_total counter\n")
	sb.WriteString(fmt.Sprintf("relay_chunks_total %d\n", snap.ChunksRelayed))
	sb.WriteString("\n")

	sb.WriteString("# HELP relay_chars_total Total characters forwarded to clients\n")
	sb.WriteString("# TYPE relay_chars_total counter\n")
	sb.WriteString(fmt.Sprintf("relay_chars_total %d\n", snap.CharsRelayed))
	sb.WriteString("\n")

	// Breaker
	sb.WriteString("# HELP relay_breaker_rejections_total Requests fast-failed while the breaker was open\n")
	sb.WriteString("# TYPE relay_breaker_rejections_total counter\n")
	sb.WriteString(fmt.Sprintf("relay_breaker_rejections_total %d\n", snap.BreakerRejections))
	sb.WriteString("\n")

	sb.WriteString("# HELP relay_breaker_transitions_total Breaker state flips by target state\n")
	sb.WriteString("# TYPE relay_breaker_transitions_total counter\n")
	for _, state := range sortedKeys(snap.BreakerTransitions) {
		count := snap.BreakerTransitions[state]
		sb.WriteString(fmt.Sprintf("relay_breaker_transitions_total{state=\"%s\"} %d\n", state, count))
	}
	sb.WriteString("\n")

	// Cancel endpoint
	sb.WriteString("# HELP relay_cancel_requests_total Total cancel requests received\n")
	sb.WriteString("# TYPE relay_cancel_requests_total counter\n")
	sb.WriteString(fmt.Sprintf("relay_cancel_requests_total %d\n", snap.CancelRequests))
	sb.WriteString("\n")

	sb.WriteString("# HELP relay_cancel_misses_total Cancel requests for sessions that already finished\n")
	sb.WriteString("# TYPE relay_cancel_misses_total counter\n")
	sb.WriteString(fmt.Sprintf("relay_cancel_misses_total %d\n", snap.CancelMisses))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
