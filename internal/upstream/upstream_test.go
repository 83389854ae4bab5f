package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay-gateway/internal/retry"
)

func singleAttempt() retry.Policy {
	return retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantText string
		wantDone bool
		wantErr  bool
	}{
		{name: "data line", line: `data: {"text":"Hel"}`, wantText: "Hel"},
		{name: "bare json line", line: `{"text":"lo"}`, wantText: "lo"},
		{name: "sentinel", line: "data: [DONE]", wantDone: true},
		{name: "bare sentinel", line: "[DONE]", wantDone: true},
		{name: "blank", line: "   "},
		{name: "sse comment", line: ": keepalive"},
		{name: "empty text field", line: `data: {"text":""}`},
		{name: "malformed", line: "data: {not json", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			text, done, err := DecodeFrame(tc.line)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
			if text != tc.wantText || done != tc.wantDone {
				t.Fatalf("got (%q, %v), want (%q, %v)", text, done, tc.wantText, tc.wantDone)
			}
		})
	}
}

// collect drains the stream into the concatenated text and any terminal error.
func collect(t *testing.T, ch <-chan StreamEvent) (string, error) {
	t.Helper()
	var sb strings.Builder
	for ev := range ch {
		if ev.Err != nil {
			return sb.String(), ev.Err
		}
		sb.WriteString(ev.Delta)
	}
	return sb.String(), nil
}

func TestStreamCompletion_ConcatenationMatchesScript(t *testing.T) {
	frames := "data: {\"text\":\"Hel\"}\ndata: {\"text\":\"lo\"}\ndata: {\"text\":\", world\"}\ndata: [DONE]\n"

	// Any frame-boundary split of the payload bytes must produce the same
	// client-observed concatenation.
	for _, chunkSize := range []int{1, 2, 3, 7, 16, len(frames)} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fl := w.(http.Flusher)
			for i := 0; i < len(frames); i += chunkSize {
				end := i + chunkSize
				if end > len(frames) {
					end = len(frames)
				}
				_, _ = w.Write([]byte(frames[i:end]))
				fl.Flush()
			}
		}))

		c, err := New(Config{BaseURL: srv.URL, ConnectRetry: singleAttempt()})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		ch, err := c.StreamCompletion(context.Background(), Request{Model: "m", Messages: []Message{{Role: "user", Content: "hi"}}})
		if err != nil {
			t.Fatalf("chunk=%d stream: %v", chunkSize, err)
		}
		got, err := collect(t, ch)
		if err != nil {
			t.Fatalf("chunk=%d stream error: %v", chunkSize, err)
		}
		if got != "Hello, world" {
			t.Fatalf("chunk=%d concatenation = %q, want %q", chunkSize, got, "Hello, world")
		}
		srv.Close()
	}
}

func TestStreamCompletion_MalformedFrameSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"text\":\"a\"}\ndata: {broken\ndata: {\"text\":\"b\"}\ndata: [DONE]\n"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, ConnectRetry: singleAttempt()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ch, err := c.StreamCompletion(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got, serr := collect(t, ch)
	if serr != nil {
		t.Fatalf("stream error: %v", serr)
	}
	if got != "ab" {
		t.Fatalf("got %q, want %q", got, "ab")
	}
}

func TestStreamCompletion_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, ConnectRetry: singleAttempt()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.StreamCompletion(context.Background(), Request{Model: "m"}); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestStreamCompletion_CancellationStopsRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"text\":\"first\"}\n"))
		fl.Flush()
		// Hold the stream open until the client aborts the socket.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(Config{BaseURL: srv.URL, ConnectRetry: singleAttempt()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ch, err := c.StreamCompletion(ctx, Request{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	ev := <-ch
	if ev.Delta != "first" {
		t.Fatalf("first delta = %q", ev.Delta)
	}
	cancel()

	select {
	case ev, ok := <-ch:
		if ok && ev.Err == nil {
			t.Fatalf("expected error or close after cancel, got delta %q", ev.Delta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not observe cancellation")
	}
}
