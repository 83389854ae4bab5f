package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordRequestStart("chat.stream")
	c.RecordRequest("chat.stream", 250*time.Millisecond)
	c.RecordRequestEnd("chat.stream")
	c.RecordError("chat.cancel")
	c.RecordStreamOutcome("completed", 12, 480)
	c.RecordStreamOutcome("cancelled", 3, 90)
	c.RecordBreakerRejection()
	c.RecordBreakerTransition("open")
	c.RecordCancel(false)
	c.RecordCancel(true)

	snap := c.GetSnapshot()
	if snap.TotalRequests["chat.stream"] != 1 {
		t.Errorf("TotalRequests = %v", snap.TotalRequests)
	}
	if snap.RequestsInProgress["chat.stream"] != 0 {
		t.Errorf("RequestsInProgress = %v", snap.RequestsInProgress)
	}
	if snap.RequestErrors["chat.cancel"] != 1 {
		t.Errorf("RequestErrors = %v", snap.RequestErrors)
	}
	if snap.StreamOutcomes["completed"] != 1 || snap.StreamOutcomes["cancelled"] != 1 {
		t.Errorf("StreamOutcomes = %v", snap.StreamOutcomes)
	}
	if snap.ChunksRelayed != 15 || snap.CharsRelayed != 570 {
		t.Errorf("relayed chunks=%d chars=%d", snap.ChunksRelayed, snap.CharsRelayed)
	}
	if snap.BreakerRejections != 1 || snap.BreakerTransitions["open"] != 1 {
		t.Errorf("breaker rejections=%d transitions=%v", snap.BreakerRejections, snap.BreakerTransitions)
	}
	if snap.CancelRequests != 2 || snap.CancelMisses != 1 {
		t.Errorf("cancel requests=%d misses=%d", snap.CancelRequests, snap.CancelMisses)
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("chat.stream", 100*time.Millisecond)
	c.RecordStreamOutcome("completed", 5, 200)
	c.RecordCancel(true)

	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		`relay_requests_total{endpoint="chat.stream"} 1`,
		`relay_stream_outcomes_total{outcome="completed"} 1`,
		"relay_chunks_total 5",
		"relay_cancel_requests_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
