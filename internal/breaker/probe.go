package breaker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chatrelay/chatrelay-gateway/internal/retry"
)

// ProbeResult is the outcome of one reachability check. Method is a
// diagnostics tag only and never drives control flow.
type ProbeResult struct {
	Up      bool
	Method  string
	Latency time.Duration
	Err     error
}

// Prober checks whether the upstream dependency is reachable.
type Prober interface {
	Probe(ctx context.Context) ProbeResult
}

// HTTPProber performs a bounded-timeout GET against a lightweight upstream
// reachability endpoint. Timeouts, transport errors, and non-2xx statuses are
// all treated identically as DOWN.
type HTTPProber struct {
	url        string
	httpClient *http.Client
	policy     retry.Policy
}

// NewHTTPProber creates a prober for the given URL. The default policy makes
// a single attempt per probe; the scheduled probe interval is the retry.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProber{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.Policy{MaxAttempts: 1, BaseDelay: time.Second},
	}
}

// Probe checks reachability once (per the configured policy).
func (p *HTTPProber) Probe(ctx context.Context) ProbeResult {
	start := time.Now()
	err := retry.Do(ctx, p.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
		if err != nil {
			return fmt.Errorf("create probe request: %w", err)
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("probe request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe status %d", resp.StatusCode)
		}
		return nil
	})
	res := ProbeResult{Method: "http_get", Latency: time.Since(start)}
	if err != nil {
		res.Err = err
		return res
	}
	res.Up = true
	return res
}
