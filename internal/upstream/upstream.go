// Package upstream implements the streaming client for the remote
// text-generation provider. The provider is a black box that accepts a
// prompt, streams line-delimited delta frames, and respects request
// cancellation through the HTTP transport.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay-gateway/internal/retry"
)

// DoneSentinel terminates an upstream stream without error.
const DoneSentinel = "[DONE]"

// Message is one prompt turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the completion request body.
type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream"`
}

// StreamEvent carries one decoded text delta or a terminal error. The channel
// is closed without an event on normal completion.
type StreamEvent struct {
	Delta string
	Err   error
}

// delta is the provider's per-frame payload. Unknown fields are ignored.
type delta struct {
	Text string `json:"text"`
}

// Streamer is the interface the relay consumes; satisfied by Client and by
// scripted fakes in tests.
type Streamer interface {
	StreamCompletion(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Config holds configuration for the upstream client.
type Config struct {
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration // whole-call ceiling; 0 disables (streaming relies on ctx)
	ConnectRetry   retry.Policy
	Logger         *log.Logger
}

// Client talks to the provider over cancellable HTTP.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	connectRetry retry.Policy
	logger       *log.Logger
}

var _ Streamer = (*Client)(nil)

// New creates an upstream client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("upstream: base url required")
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		connectRetry: cfg.ConnectRetry,
		logger:       cfg.Logger,
	}, nil
}

// ProbeURL returns the lightweight reachability endpoint for the health probe.
func (c *Client) ProbeURL() string { return c.baseURL + "/v1/models" }

// StreamCompletion opens the streaming call bound to ctx. The transport-level
// request carries ctx so cancellation aborts the socket itself, not just the
// read loop. A non-success status or transport failure before any bytes are
// read is returned synchronously; after that, failures arrive on the channel.
func (c *Client) StreamCompletion(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	var resp *http.Response
	err = retry.Do(ctx, c.connectRetry, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("upstream: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err = c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("upstream: send request: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			status := resp.StatusCode
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			resp = nil
			return fmt.Errorf("upstream: http %d: %s", status, strings.TrimSpace(string(data)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		c.readLoop(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readLoop accumulates raw bytes, splits on newline, and classifies each
// complete line. Malformed data lines are logged and skipped; a single bad
// frame never aborts the stream.
func (c *Client) readLoop(ctx context.Context, r io.Reader, ch chan<- StreamEvent) {
	buf := make([]byte, 8192)
	leftover := ""
	for {
		select {
		case <-ctx.Done():
			ch <- StreamEvent{Err: ctx.Err()}
			return
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			var lines []string
			lines, leftover = splitFrames(leftover + string(buf[:n]))
			for _, line := range lines {
				text, done, perr := DecodeFrame(line)
				if perr != nil {
					if c.logger != nil {
						c.logger.Printf("upstream.frame skipped err=%v", perr)
					}
					continue
				}
				if done {
					return
				}
				if text != "" {
					ch <- StreamEvent{Delta: text}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// The transport surfaces cancellation as a read error; report
			// the ctx error so callers can tell it apart from a failure.
			if ctx.Err() != nil {
				ch <- StreamEvent{Err: ctx.Err()}
				return
			}
			ch <- StreamEvent{Err: fmt.Errorf("upstream: read stream: %w", err)}
			return
		}
	}
}

// splitFrames splits accumulated data into complete lines, keeping the
// trailing partial line as leftover for the next read.
func splitFrames(data string) (lines []string, leftover string) {
	parts := strings.Split(data, "\n")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// DecodeFrame classifies one complete line of the upstream wire protocol.
// It returns the decoded text increment, whether the line is the stream
// terminator, or an error for a malformed data line. Blank lines and SSE
// comments decode to empty text.
func DecodeFrame(line string) (text string, done bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false, nil
	}
	payload := line
	if strings.HasPrefix(line, "data:") {
		payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}
	if payload == DoneSentinel {
		return "", true, nil
	}
	var d delta
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return "", false, fmt.Errorf("parse frame %q: %w", truncate(payload, 64), err)
	}
	return d.Text, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
