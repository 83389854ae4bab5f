package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chatrelay/chatrelay-gateway/internal/breaker"
	"github.com/chatrelay/chatrelay-gateway/internal/relay"
	"github.com/chatrelay/chatrelay-gateway/internal/session"
	"github.com/chatrelay/chatrelay-gateway/internal/upstream"
)

// chanStreamer replays a fixed list of deltas.
type chanStreamer struct {
	deltas []string
	err    error
}

func (c *chanStreamer) StreamCompletion(ctx context.Context, req upstream.Request) (<-chan upstream.StreamEvent, error) {
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan upstream.StreamEvent, len(c.deltas))
	for _, d := range c.deltas {
		ch <- upstream.StreamEvent{Delta: d}
	}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, streamer upstream.Streamer, brk *breaker.Breaker) (*Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(session.Options{})
	t.Cleanup(reg.Close)
	rl := relay.New(relay.Options{
		Upstream: streamer,
		Registry: reg,
		Model:    "relay-default",
	})
	return NewServer(Options{Relay: rl, Registry: reg, Breaker: brk}), reg
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestChatStreamHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, &chanStreamer{deltas: []string{"Hello", ", world"}}, nil)
	rr := postJSON(t, srv.Router(), "/v1/chat/stream", `{"sessionId":"s1","message":"hi"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	out := rr.Body.String()
	for _, want := range []string{"event: chunk", "Hello", "event: config", "event: done", `"completed":true`} {
		if !strings.Contains(out, want) {
			t.Errorf("response missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "event: error") {
		t.Errorf("unexpected error event:\n%s", out)
	}
}

func TestChatStreamValidation(t *testing.T) {
	srv, _ := newTestServer(t, &chanStreamer{}, nil)
	router := srv.Router()

	cases := []struct {
		name string
		body string
		code string
	}{
		{"missing session id", `{"message":"hi"}`, "missing_session_id"},
		{"missing message", `{"sessionId":"s1"}`, "missing_message"},
		{"bad json", `{`, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postJSON(t, router, "/v1/chat/stream", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tc.code) {
				t.Errorf("body %q missing code %q", rr.Body.String(), tc.code)
			}
		})
	}
}

func TestChatStreamDuplicateSession(t *testing.T) {
	srv, reg := newTestServer(t, &chanStreamer{deltas: []string{"x"}}, nil)
	if _, err := reg.Start("dup", "user"); err != nil {
		t.Fatal(err)
	}
	rr := postJSON(t, srv.Router(), "/v1/chat/stream", `{"sessionId":"dup","message":"hi"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestChatStreamBreakerOpenReturnsFallback(t *testing.T) {
	brk := breaker.New(breaker.Options{OpenAfter: 1})
	brk.RecordOutcome(breaker.ProbeResult{Up: false})
	srv, _ := newTestServer(t, &chanStreamer{deltas: []string{"never"}}, brk)

	rr := postJSON(t, srv.Router(), "/v1/chat/stream", `{"sessionId":"s1","message":"hi"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var fb breaker.FallbackPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &fb); err != nil {
		t.Fatalf("decode fallback: %v", err)
	}
	if fb.Mode != "demo" || fb.Reason != "dependency_down" {
		t.Errorf("fallback = %+v", fb)
	}
}

func TestCancelMissingSessionIsFoundFalse(t *testing.T) {
	srv, _ := newTestServer(t, &chanStreamer{}, nil)
	rr := postJSON(t, srv.Router(), "/v1/chat/cancel", `{"sessionId":"gone"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp struct {
		Success bool `json:"success"`
		Found   bool `json:"found"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Found {
		t.Errorf("resp = %+v, want success=true found=false", resp)
	}
}

func TestCancelLiveSession(t *testing.T) {
	srv, reg := newTestServer(t, &chanStreamer{}, nil)
	if _, err := reg.Start("live", "user"); err != nil {
		t.Fatal(err)
	}
	tok := session.NewToken(context.Background(), "live")
	defer tok.Release()
	reg.RegisterToken("live", tok)

	rr := postJSON(t, srv.Router(), "/v1/chat/cancel", `{"sessionId":"live"}`)
	var resp struct {
		Found bool `json:"found"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Found {
		t.Fatal("found = false, want true")
	}
	if !tok.Cancelled() {
		t.Error("token not cancelled")
	}
	if reason, _ := tok.Reason(); reason != session.ReasonUserRequested {
		t.Errorf("reason = %s", reason)
	}
}

func TestSessionLookup(t *testing.T) {
	srv, reg := newTestServer(t, &chanStreamer{}, nil)
	if _, err := reg.Start("s1", "user"); err != nil {
		t.Fatal(err)
	}
	router := srv.Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var sess session.Session
	if err := json.Unmarshal(rr.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	if sess.ID != "s1" {
		t.Errorf("id = %q", sess.ID)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHealthReportsBreakerState(t *testing.T) {
	brk := breaker.New(breaker.Options{OpenAfter: 1})
	srv, _ := newTestServer(t, &chanStreamer{}, brk)
	router := srv.Router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}

	brk.RecordOutcome(breaker.ProbeResult{Up: false})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(rr.Body.String(), `"status":"degraded"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &chanStreamer{deltas: []string{"hi"}}, nil)
	router := srv.Router()

	postJSON(t, router, "/v1/chat/stream", `{"sessionId":"m1","message":"hi"}`)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "relay_requests_total") {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}
