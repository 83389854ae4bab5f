// Package breaker gates upstream calls behind a circuit breaker fed by a
// periodic health probe. The breaker opens after sustained probe failures and
// closes again only after sustained successes, so a single flaky probe never
// flips state.
package breaker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// State of the breaker.
type State string

const (
	StateClosed State = "closed" // serving
	StateOpen   State = "open"   // fast-fail
)

const (
	// DefaultOpenAfter is the consecutive-failure threshold before opening.
	DefaultOpenAfter = 5
	// DefaultCloseAfter is the consecutive-success threshold before closing.
	// Asymmetric with DefaultOpenAfter to avoid flapping.
	DefaultCloseAfter = 2
)

// FallbackPayload is the structured response returned to callers while the
// breaker is open, instead of attempting any upstream work.
type FallbackPayload struct {
	Mode    string `json:"mode"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Snapshot is a point-in-time view of breaker state for diagnostics.
type Snapshot struct {
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastTransitionAt     time.Time `json:"last_transition_at,omitzero"`
	LastProbeAt          time.Time `json:"last_probe_at,omitzero"`
	LastProbeMethod      string    `json:"last_probe_method,omitempty"`
}

// Options configures a Breaker.
type Options struct {
	OpenAfter  int // consecutive failures to open (default 5)
	CloseAfter int // consecutive successes to close (default 2)
	Notifier   *Notifier
	Logger     *log.Logger
	// OnTransition observes every open/close flip, in addition to the
	// notifier webhook. Called synchronously; keep it cheap.
	OnTransition func(state State)
}

// Breaker is the process-wide UP/DOWN state machine. It is mutated only by
// the single probe loop; IsOpen is a lock-free atomic load for the request
// paths.
type Breaker struct {
	open atomic.Bool

	mu                   sync.Mutex
	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransitionAt     time.Time
	lastProbeAt          time.Time
	lastProbeMethod      string

	openAfter    int
	closeAfter   int
	notifier     *Notifier
	logger       *log.Logger
	onTransition func(state State)
}

// New creates a closed breaker.
func New(opts Options) *Breaker {
	if opts.OpenAfter <= 0 {
		opts.OpenAfter = DefaultOpenAfter
	}
	if opts.CloseAfter <= 0 {
		opts.CloseAfter = DefaultCloseAfter
	}
	return &Breaker{
		openAfter:    opts.OpenAfter,
		closeAfter:   opts.CloseAfter,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		onTransition: opts.OnTransition,
	}
}

// IsOpen reports whether requests should fail fast. Non-blocking.
func (b *Breaker) IsOpen() bool { return b.open.Load() }

// FallbackPayload returns the response body served while open.
func (b *Breaker) FallbackPayload() FallbackPayload {
	return FallbackPayload{
		Mode:    "demo",
		Reason:  "dependency_down",
		Message: "upstream provider is unavailable; serving fallback response",
	}
}

// RecordOutcome folds one probe result into the state machine. Called once
// per scheduled probe by the probe loop, never by request traffic.
func (b *Breaker) RecordOutcome(res ProbeResult) {
	b.mu.Lock()
	b.lastProbeAt = time.Now().UTC()
	b.lastProbeMethod = res.Method
	var transition State
	if res.Up {
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
		if b.open.Load() && b.consecutiveSuccesses >= b.closeAfter {
			b.open.Store(false)
			b.lastTransitionAt = time.Now().UTC()
			transition = StateClosed
		}
	} else {
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		if !b.open.Load() && b.consecutiveFailures >= b.openAfter {
			b.open.Store(true)
			b.lastTransitionAt = time.Now().UTC()
			transition = StateOpen
		}
	}
	failures := b.consecutiveFailures
	b.mu.Unlock()

	if transition == "" {
		return
	}
	if b.logger != nil {
		b.logger.Printf("breaker.transition state=%s consecutive_failures=%d probe_method=%s", transition, failures, res.Method)
	}
	if b.onTransition != nil {
		b.onTransition(transition)
	}
	if b.notifier != nil {
		b.notifier.NotifyTransition(transition, failures)
	}
}

// Snapshot returns current breaker state for the health endpoint.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := StateClosed
	if b.open.Load() {
		state = StateOpen
	}
	return Snapshot{
		State:                state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastTransitionAt:     b.lastTransitionAt,
		LastProbeAt:          b.lastProbeAt,
		LastProbeMethod:      b.lastProbeMethod,
	}
}

// Run probes on the given interval until ctx is cancelled. Each probe is
// bounded by the prober's own timeout, so a hung upstream never stalls the
// loop past one cycle.
func (b *Breaker) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := prober.Probe(ctx)
			if res.Err != nil && b.logger != nil {
				b.logger.Printf("breaker.probe down method=%s latency_ms=%d err=%v", res.Method, res.Latency.Milliseconds(), res.Err)
			}
			b.RecordOutcome(res)
		}
	}
}
